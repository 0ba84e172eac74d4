package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/logging"
	"github.com/FairForge/inferbench/internal/proc"
)

const stopTimeout = 30 * time.Second

// ProcessOptions configures a ProcessRunner.
type ProcessOptions struct {
	Launcher       string // text-generation-launcher when empty
	Model          string
	Port           int
	HubCache       string // /scratch when empty
	StartupTimeout time.Duration
	HealthURL      string
	ProbeInterval  time.Duration
	Output         io.Writer
}

// ProcessRunner runs text-generation-launcher directly on the host.
type ProcessRunner struct {
	opts    ProcessOptions
	profile Profile
	logger  *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{}
	streaming sync.WaitGroup
}

func NewProcessRunner(opts ProcessOptions, logger *zap.Logger) *ProcessRunner {
	if opts.Launcher == "" {
		opts.Launcher = "text-generation-launcher"
	}
	if opts.HubCache == "" {
		opts.HubCache = "/scratch"
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	opts.Output = outputOrStdout(opts.Output)
	profile := TGIProfile()
	profile.Name = config.EngineTGIProcess
	return &ProcessRunner{
		opts:    opts,
		profile: profile,
		logger:  logging.OrNop(logger).Named("engine").With(zap.String("engine", profile.Name)),
	}
}

func (r *ProcessRunner) Name() string { return r.profile.Name }

func (r *ProcessRunner) args(params []Param) []string {
	args := []string{
		"--port", strconv.Itoa(r.opts.Port),
		"--model-id", r.opts.Model,
		"--huggingface-hub-cache", r.opts.HubCache,
	}
	return appendParams(args, params)
}

// Run starts the launcher and returns once it logs its success sentinel.
func (r *ProcessRunner) Run(ctx context.Context, params []Param) error {
	args := r.args(params)
	r.logger.Info("starting launcher", zap.String("cmd", r.opts.Launcher+" "+strings.Join(args, " ")))

	pr, pw := io.Pipe()
	cmd := exec.Command(r.opts.Launcher, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engine: start %s: %w", r.opts.Launcher, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			r.logger.Info("launcher exited", zap.Error(err))
		}
		pw.CloseWithError(io.EOF)
		close(exited)
	}()

	r.mu.Lock()
	r.cmd = cmd
	r.exited = exited
	r.mu.Unlock()

	startCtx := ctx
	if r.opts.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, r.opts.StartupTimeout)
		defer cancel()
	}

	rest, err := waitForSentinel(startCtx, pr, r.opts.Output, r.profile.SuccessSentinel, r.profile.ErrorSentinel)
	if err != nil {
		r.logger.Error("launcher failed to start", zap.Error(err))
		// Nothing reads the pipe any more; close it so the launcher's
		// trailing output cannot block cmd.Wait.
		_ = pr.Close()
		_ = r.stopAfterFailure(ctx)
		return err
	}

	select {
	case <-exited:
		_ = pr.Close()
		return fmt.Errorf("%w: launcher exited after readiness", ErrStartup)
	default:
	}

	r.streaming.Add(1)
	go r.stream(rest, pr)

	if r.opts.HealthURL != "" {
		if err := waitHealthy(startCtx, r.opts.HealthURL, r.opts.ProbeInterval, r.logger); err != nil {
			_ = r.stopAfterFailure(ctx)
			return err
		}
	}
	return nil
}

// stopAfterFailure stops the launcher even when ctx is already done, but
// never waits longer than stopTimeout.
func (r *ProcessRunner) stopAfterFailure(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

func (r *ProcessRunner) stream(rest *bufio.Reader, pr *io.PipeReader) {
	defer r.streaming.Done()
	_, _ = io.Copy(r.opts.Output, rest)
	_ = pr.Close()
}

// Stop kills the launcher and every process it spawned, then waits for the
// log stream to drain.
func (r *ProcessRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cmd, exited := r.cmd, r.exited
	r.cmd = nil
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	var err error
	select {
	case <-exited:
	default:
		r.logger.Warn("killing launcher", zap.Int("pid", cmd.Process.Pid))
		err = proc.KillTree(cmd.Process.Pid)
	}

	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.streaming.Wait()
	return err
}
