// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Engine kinds
const (
	EngineTGI        = "tgi"
	EngineVLLM       = "vllm"
	EngineTGIProcess = "tgi-process"
)

// Test types
const (
	TestConstantVUs         = "constant_vus"
	TestConstantArrivalRate = "constant_arrival_rate"
)

// Input types
const (
	InputConstantTokens        = "constant_tokens"
	InputShareGPTConversations = "sharegpt_conversations"
)

// Artifact backends
const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
)

type Config struct {
	Model     string          `yaml:"model"`
	Engine    EngineConfig    `yaml:"engine"`
	K6        K6Config        `yaml:"k6"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Report    ReportConfig    `yaml:"report"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type EngineConfig struct {
	Kind           string        `yaml:"kind"`
	Name           string        `yaml:"name"`
	Image          string        `yaml:"image"`
	Port           int           `yaml:"port"`
	ShmSize        string        `yaml:"shm_size"`
	Volumes        []string      `yaml:"volumes"` // host:container
	GPUs           int           `yaml:"gpus"`    // -1 detects with nvidia-smi
	Parameters     Params        `yaml:"parameters"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	HealthPath     string        `yaml:"health_path"`
	StopGrace      time.Duration `yaml:"stop_grace"`
}

type K6Config struct {
	Binary            string        `yaml:"binary"`
	Host              string        `yaml:"host"` // engine URL when empty
	OutputDir         string        `yaml:"output_dir"`
	Duration          time.Duration `yaml:"duration"`
	MaxNewTokens      int           `yaml:"max_new_tokens"`
	InputNumTokens    int           `yaml:"input_num_tokens"`
	ConversationsFile string        `yaml:"conversations_file"`
	TokenizerFile     string        `yaml:"tokenizer_file"`
	InputTypes        []string      `yaml:"input_types"`
}

// Range is an inclusive sweep: start, start+step, ... below end, then end.
type Range struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
	Step  int `yaml:"step"`
}

type SweepConfig struct {
	VUs             Range    `yaml:"vus"`
	ArrivalRates    Range    `yaml:"arrival_rates"`
	PreAllocatedVUs int      `yaml:"pre_allocated_vus"`
	TestTypes       []string `yaml:"test_types"`
}

type ReportConfig struct {
	OutputDir   string `yaml:"output_dir"`
	PreviousDir string `yaml:"previous_dir"`
}

type ArtifactsConfig struct {
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Path     string `yaml:"path"` // local backend root
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: "Qwen/Qwen2-7B",
		Engine: EngineConfig{
			Kind:           EngineTGI,
			Name:           "tgi",
			Port:           8080,
			ShmSize:        "1g",
			GPUs:           -1,
			Parameters:     Params{{Key: "max-concurrent-requests", Value: "8000"}},
			StartupTimeout: 30 * time.Minute,
			HealthPath:     "/health",
			StopGrace:      5 * time.Second,
		},
		K6: K6Config{
			Binary:            "/tmp/k6-sse",
			OutputDir:         "results",
			Duration:          60 * time.Second,
			MaxNewTokens:      200,
			InputNumTokens:    200,
			ConversationsFile: "benchmarks/ShareGPT_V3_unfiltered_cleaned_split.json",
			TokenizerFile:     "tokenizer.json",
			InputTypes:        []string{InputShareGPTConversations, InputConstantTokens},
		},
		Sweep: SweepConfig{
			VUs:             Range{Start: 0, End: 1024, Step: 40},
			ArrivalRates:    Range{Start: 0, End: 200, Step: 10},
			PreAllocatedVUs: 2000,
			TestTypes:       []string{TestConstantArrivalRate, TestConstantVUs},
		},
		Report: ReportConfig{
			OutputDir:   ".",
			PreviousDir: "/tmp/artifacts",
		},
		Artifacts: ArtifactsConfig{
			Backend: BackendNone,
			Prefix:  "inferbench",
			Region:  "us-east-1",
		},
		Server: ServerConfig{Addr: ":9090"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file on top of Default and applies the environment
// overlay. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyEngineDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEngineDefaults() {
	if c.Engine.Image != "" {
		return
	}
	switch c.Engine.Kind {
	case EngineTGI:
		c.Engine.Image = "ghcr.io/huggingface/text-generation-inference:latest"
	case EngineVLLM:
		c.Engine.Image = "vllm/vllm-openai:latest"
	}
}

// Validate checks configuration
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalid)
	}
	switch c.Engine.Kind {
	case EngineTGI, EngineVLLM, EngineTGIProcess:
	default:
		return fmt.Errorf("%w: unknown engine kind %q", ErrInvalid, c.Engine.Kind)
	}
	if c.Engine.Name == "" {
		return fmt.Errorf("%w: engine name is required", ErrInvalid)
	}
	if c.Engine.Port <= 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("%w: engine port %d out of range", ErrInvalid, c.Engine.Port)
	}
	if c.K6.Duration <= 0 {
		return fmt.Errorf("%w: k6 duration must be positive", ErrInvalid)
	}
	if c.K6.MaxNewTokens <= 0 || c.K6.InputNumTokens <= 0 {
		return fmt.Errorf("%w: token counts must be positive", ErrInvalid)
	}
	for _, t := range c.K6.InputTypes {
		if t != InputConstantTokens && t != InputShareGPTConversations {
			return fmt.Errorf("%w: unknown input type %q", ErrInvalid, t)
		}
	}
	for _, t := range c.Sweep.TestTypes {
		if t != TestConstantVUs && t != TestConstantArrivalRate {
			return fmt.Errorf("%w: unknown test type %q", ErrInvalid, t)
		}
	}
	for name, r := range map[string]Range{"vus": c.Sweep.VUs, "arrival_rates": c.Sweep.ArrivalRates} {
		if r.Step <= 0 {
			return fmt.Errorf("%w: sweep %s step must be positive", ErrInvalid, name)
		}
		if r.End < r.Start {
			return fmt.Errorf("%w: sweep %s end before start", ErrInvalid, name)
		}
	}
	switch c.Artifacts.Backend {
	case BackendNone, "":
	case BackendLocal:
		if c.Artifacts.Path == "" {
			return fmt.Errorf("%w: local artifacts need a path", ErrInvalid)
		}
	case BackendS3, BackendGCS:
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("%w: %s artifacts need a bucket", ErrInvalid, c.Artifacts.Backend)
		}
	default:
		return fmt.Errorf("%w: unknown artifacts backend %q", ErrInvalid, c.Artifacts.Backend)
	}
	return nil
}

// K6Host is the URL k6 targets: k6.host, or the engine's own URL when unset.
func (c *Config) K6Host() string {
	if c.K6.Host != "" {
		return c.K6.Host
	}
	return c.EngineURL()
}

// EngineURL is the base URL of the engine's HTTP server on this host.
func (c *Config) EngineURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Engine.Port)
}
