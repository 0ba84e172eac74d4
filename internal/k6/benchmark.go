package k6

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/inputs"
	"github.com/FairForge/inferbench/internal/logging"
	"github.com/FairForge/inferbench/internal/proc"
)

const (
	summaryFile = "summary.json"
	resultsFile = "results.json"
)

// Config is one benchmark step.
type Config struct {
	Name      string
	Executor  *Executor
	ExtraInfo map[string]any
	// Inputs prepares the prompt files before the first run. Nil skips it.
	Inputs *inputs.Preparer
}

// NewConfig injects maxNewTokens into the executor's variables.
func NewConfig(name string, executor *Executor, maxNewTokens int, extraInfo map[string]any) *Config {
	executor.Variables["max_new_tokens"] = maxNewTokens
	return &Config{Name: name, Executor: executor, ExtraInfo: extraInfo}
}

func (c *Config) String() string {
	return fmt.Sprintf("K6Config(name=%s executor=%s)", c.Name, c.Executor)
}

// metadata is stored as k6_config in summaries and as the last line of the
// raw results.
func (c *Config) metadata() map[string]any {
	m := make(map[string]any, len(c.Executor.Variables)+3)
	for k, v := range c.Executor.Variables {
		m[k] = v
	}
	m["name"] = c.Name
	m["input_type"] = string(c.Executor.InputType)
	m["extra_info"] = c.ExtraInfo
	return m
}

// Options locate the k6 binary and the directories a Benchmark uses.
type Options struct {
	Binary    string
	Host      string
	OutputDir string
	WorkDir   string    // process working directory, os.Getwd when empty
	Output    io.Writer // k6 console output, stdout when nil
}

// Benchmark runs one k6 scenario and files its output.
type Benchmark struct {
	cfg    *Config
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New prepares the prompt files and returns a runnable benchmark.
func New(cfg *Config, opts Options, logger *zap.Logger) (*Benchmark, error) {
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("k6: working directory: %w", err)
		}
		opts.WorkDir = wd
	}
	if !filepath.IsAbs(opts.OutputDir) {
		opts.OutputDir = filepath.Join(opts.WorkDir, opts.OutputDir)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	if cfg.Inputs != nil {
		p := *cfg.Inputs
		p.Dir = opts.WorkDir
		if err := p.Prepare(); err != nil {
			return nil, err
		}
	}
	return &Benchmark{
		cfg:    cfg,
		opts:   opts,
		logger: logging.OrNop(logger).Named("k6"),
	}, nil
}

// Run renders the script, runs k6 to completion and writes the annotated
// summary and results files.
func (b *Benchmark) Run(ctx context.Context) error {
	ex := b.cfg.Executor
	if err := ex.Render(b.opts.WorkDir, b.opts.Host); err != nil {
		return err
	}
	defer os.Remove(ex.RenderedFile)

	for _, f := range []string{summaryFile, resultsFile} {
		if err := os.Remove(filepath.Join(b.opts.WorkDir, f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("k6: remove stale %s: %w", f, err)
		}
	}

	args := []string{"run", "--out", "json=" + resultsFile, ex.RenderedFile}
	b.logger.Info("running k6", zap.String("cmd", b.opts.Binary+" "+strings.Join(args, " ")), zap.Stringer("config", b.cfg))

	cmd := exec.CommandContext(ctx, b.opts.Binary, args...)
	cmd.Dir = b.opts.WorkDir
	cmd.Stdout = b.opts.Output
	cmd.Stderr = b.opts.Output
	cmd.Cancel = func() error {
		return proc.KillTree(cmd.Process.Pid)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("k6: start: %w", err)
	}
	b.mu.Lock()
	b.cmd = cmd
	b.mu.Unlock()

	err := cmd.Wait()
	b.mu.Lock()
	b.cmd = nil
	b.mu.Unlock()

	if ctx.Err() != nil {
		return fmt.Errorf("k6: interrupted: %w", ctx.Err())
	}
	// k6 exits non-zero when thresholds fail; the summary is still valid.
	b.logger.Info("k6 finished", zap.Int("exit_code", cmd.ProcessState.ExitCode()), zap.NamedError("wait", err))
	b.logger.Info("writing results", zap.String("path", b.ResultsPath()))

	if err := b.writeSummary(); err != nil {
		return err
	}
	return b.writeResults()
}

// Stop kills a running k6 process and its children.
func (b *Benchmark) Stop() error {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return proc.KillTree(cmd.Process.Pid)
}

// Dir is where this executor's files land.
func (b *Benchmark) Dir() string {
	return filepath.Join(b.opts.OutputDir, b.cfg.Executor.Name)
}

func (b *Benchmark) basePath() string {
	return filepath.Join(b.Dir(), b.cfg.Name+"_"+b.cfg.Executor.String())
}

func (b *Benchmark) SummaryPath() string { return b.basePath() + ".summary.json" }

func (b *Benchmark) ResultsPath() string { return b.basePath() + ".json" }

func (b *Benchmark) writeSummary() error {
	raw, err := os.ReadFile(filepath.Join(b.opts.WorkDir, summaryFile))
	if err != nil {
		return fmt.Errorf("k6: read summary: %w", err)
	}
	var summary map[string]json.RawMessage
	if err := json.Unmarshal(raw, &summary); err != nil {
		return fmt.Errorf("k6: parse summary: %w", err)
	}
	meta, err := json.Marshal(b.cfg.metadata())
	if err != nil {
		return fmt.Errorf("k6: encode config: %w", err)
	}
	summary["k6_config"] = meta

	out, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("k6: encode summary: %w", err)
	}
	if err := os.MkdirAll(b.Dir(), 0o755); err != nil {
		return fmt.Errorf("k6: mkdir: %w", err)
	}
	if err := os.WriteFile(b.SummaryPath(), out, 0o644); err != nil {
		return fmt.Errorf("k6: write summary: %w", err)
	}
	return nil
}

// writeResults copies the raw metric stream and appends the config as a
// final JSON line.
func (b *Benchmark) writeResults() (err error) {
	src, err := os.Open(filepath.Join(b.opts.WorkDir, resultsFile))
	if err != nil {
		return fmt.Errorf("k6: open results: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(b.Dir(), 0o755); err != nil {
		return fmt.Errorf("k6: mkdir: %w", err)
	}
	dst, err := os.Create(b.ResultsPath())
	if err != nil {
		return fmt.Errorf("k6: create results: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("k6: close results: %w", cerr)
		}
	}()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("k6: copy results: %w", err)
	}
	if n > 0 {
		last := make([]byte, 1)
		if _, err := src.ReadAt(last, n-1); err != nil {
			return fmt.Errorf("k6: read results: %w", err)
		}
		if last[0] != '\n' {
			if _, err := dst.Write([]byte{'\n'}); err != nil {
				return fmt.Errorf("k6: write results: %w", err)
			}
		}
	}

	meta, err := json.Marshal(b.cfg.metadata())
	if err != nil {
		return fmt.Errorf("k6: encode config: %w", err)
	}
	if _, err := dst.Write(append(meta, '\n')); err != nil {
		return fmt.Errorf("k6: write results: %w", err)
	}
	return nil
}
