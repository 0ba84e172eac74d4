package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// envOverrides lists the settings that can be changed with INFERBENCH_*
// variables. Empty values leave the file setting alone.
type envOverrides struct {
	Model             string        `envconfig:"MODEL"`
	EngineKind        string        `envconfig:"ENGINE_KIND"`
	EngineName        string        `envconfig:"ENGINE_NAME"`
	EngineImage       string        `envconfig:"ENGINE_IMAGE"`
	EngineGPUs        *int          `envconfig:"ENGINE_GPUS"`
	StartupTimeout    time.Duration `envconfig:"ENGINE_STARTUP_TIMEOUT"`
	K6Binary          string        `envconfig:"K6_BINARY"`
	K6Host            string        `envconfig:"K6_HOST"`
	K6OutputDir       string        `envconfig:"K6_OUTPUT_DIR"`
	K6Duration        time.Duration `envconfig:"K6_DURATION"`
	ReportDir         string        `envconfig:"REPORT_OUTPUT_DIR"`
	PreviousDir       string        `envconfig:"REPORT_PREVIOUS_DIR"`
	ArtifactsBackend  string        `envconfig:"ARTIFACTS_BACKEND"`
	ArtifactsBucket   string        `envconfig:"ARTIFACTS_BUCKET"`
	ArtifactsPrefix   string        `envconfig:"ARTIFACTS_PREFIX"`
	ArtifactsEndpoint string        `envconfig:"ARTIFACTS_ENDPOINT"`
	StoreDSN          string        `envconfig:"STORE_DSN"`
	ServerAddr        string        `envconfig:"SERVER_ADDR"`
	LogLevel          string        `envconfig:"LOG_LEVEL"`
	LogFormat         string        `envconfig:"LOG_FORMAT"`
	PreAllocatedVUs   int           `envconfig:"SWEEP_PRE_ALLOCATED_VUS"`
	ConversationsFile string        `envconfig:"K6_CONVERSATIONS_FILE"`
	TokenizerFile     string        `envconfig:"K6_TOKENIZER_FILE"`
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("inferbench", &env); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	setString(&cfg.Model, env.Model)
	setString(&cfg.Engine.Kind, env.EngineKind)
	setString(&cfg.Engine.Name, env.EngineName)
	setString(&cfg.Engine.Image, env.EngineImage)
	if env.EngineGPUs != nil {
		cfg.Engine.GPUs = *env.EngineGPUs
	}
	if env.StartupTimeout > 0 {
		cfg.Engine.StartupTimeout = env.StartupTimeout
	}
	setString(&cfg.K6.Binary, env.K6Binary)
	setString(&cfg.K6.Host, env.K6Host)
	setString(&cfg.K6.OutputDir, env.K6OutputDir)
	if env.K6Duration > 0 {
		cfg.K6.Duration = env.K6Duration
	}
	setString(&cfg.K6.ConversationsFile, env.ConversationsFile)
	setString(&cfg.K6.TokenizerFile, env.TokenizerFile)
	setString(&cfg.Report.OutputDir, env.ReportDir)
	setString(&cfg.Report.PreviousDir, env.PreviousDir)
	setString(&cfg.Artifacts.Backend, env.ArtifactsBackend)
	setString(&cfg.Artifacts.Bucket, env.ArtifactsBucket)
	setString(&cfg.Artifacts.Prefix, env.ArtifactsPrefix)
	setString(&cfg.Artifacts.Endpoint, env.ArtifactsEndpoint)
	setString(&cfg.Store.DSN, env.StoreDSN)
	setString(&cfg.Server.Addr, env.ServerAddr)
	setString(&cfg.Log.Level, env.LogLevel)
	setString(&cfg.Log.Format, env.LogFormat)
	if env.PreAllocatedVUs > 0 {
		cfg.Sweep.PreAllocatedVUs = env.PreAllocatedVUs
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
