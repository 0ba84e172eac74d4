// Package engine starts and stops the inference server under test.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/config"
)

// Param is one --key value launcher argument.
type Param = config.Param

// Runner is an inference server the harness can start and stop.
type Runner interface {
	// Run starts the server and returns once it accepts requests.
	Run(ctx context.Context, params []Param) error
	// Stop tears the server down. Stopping a runner that never started
	// is a no-op.
	Stop(ctx context.Context) error
	Name() string
}

// Profile describes how a given server image is launched and how its logs
// announce readiness or failure.
type Profile struct {
	Name            string
	SuccessSentinel string
	ErrorSentinel   string
	Args            func(model string, port, gpus int, params []Param) []string
}

// TGIProfile launches text-generation-inference.
func TGIProfile() Profile {
	return Profile{
		Name:            config.EngineTGI,
		SuccessSentinel: "Connected",
		ErrorSentinel:   "Error",
		Args: func(model string, port, _ int, params []Param) []string {
			args := []string{"--model-id", model, "--port", strconv.Itoa(port)}
			return appendParams(args, params)
		},
	}
}

// VLLMProfile launches the vLLM OpenAI server across all visible GPUs.
func VLLMProfile() Profile {
	return Profile{
		Name:            config.EngineVLLM,
		SuccessSentinel: "Uvicorn running",
		ErrorSentinel:   "Error ",
		Args: func(model string, port, gpus int, params []Param) []string {
			args := []string{
				"--model", model,
				"--tensor-parallel-size", strconv.Itoa(max(gpus, 1)),
				"--port", strconv.Itoa(port),
			}
			withSeqs := make([]Param, 0, len(params)+1)
			withSeqs = append(withSeqs, params...)
			withSeqs = append(withSeqs, Param{Key: "max-num-seqs", Value: "256"})
			return appendParams(args, withSeqs)
		},
	}
}

func appendParams(args []string, params []Param) []string {
	for _, p := range params {
		args = append(args, "--"+p.Key, p.Value)
	}
	return args
}

// New builds the runner selected by cfg.Engine.Kind.
func New(cfg *config.Config, logger *zap.Logger) (Runner, error) {
	switch cfg.Engine.Kind {
	case config.EngineTGI, config.EngineVLLM:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("engine: docker client: %w", err)
		}
		profile := TGIProfile()
		if cfg.Engine.Kind == config.EngineVLLM {
			profile = VLLMProfile()
		}
		return NewDockerRunner(cli, DockerOptions{
			Profile:        profile,
			Model:          cfg.Model,
			Image:          cfg.Engine.Image,
			Port:           cfg.Engine.Port,
			ShmSize:        cfg.Engine.ShmSize,
			Volumes:        cfg.Engine.Volumes,
			GPUs:           cfg.Engine.GPUs,
			StartupTimeout: cfg.Engine.StartupTimeout,
			HealthURL:      healthURL(cfg),
		}, logger), nil
	case config.EngineTGIProcess:
		return NewProcessRunner(ProcessOptions{
			Model:          cfg.Model,
			Port:           cfg.Engine.Port,
			StartupTimeout: cfg.Engine.StartupTimeout,
			HealthURL:      healthURL(cfg),
		}, logger), nil
	default:
		return nil, fmt.Errorf("engine: unknown kind %q", cfg.Engine.Kind)
	}
}

func healthURL(cfg *config.Config) string {
	if cfg.Engine.HealthPath == "" {
		return ""
	}
	return cfg.EngineURL() + cfg.Engine.HealthPath
}

func outputOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
