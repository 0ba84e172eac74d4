package loadtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/artifacts"
	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/engine"
	"github.com/FairForge/inferbench/internal/inputs"
	"github.com/FairForge/inferbench/internal/k6"
	"github.com/FairForge/inferbench/internal/logging"
	"github.com/FairForge/inferbench/internal/metrics"
	"github.com/FairForge/inferbench/internal/reporting"
	"github.com/FairForge/inferbench/internal/results"
)

// stopTimeout bounds engine teardown once the sweep has ended.
const stopTimeout = 2 * time.Minute

// Benchmark is one runnable k6 step.
type Benchmark interface {
	Run(ctx context.Context) error
	Stop() error
}

// BenchmarkFactory builds the benchmark for one step.
type BenchmarkFactory func(cfg *k6.Config) (Benchmark, error)

// ResultSink receives parsed records, e.g. the Postgres store.
type ResultSink interface {
	InsertRun(ctx context.Context, runID, model string, testType results.TestType, records []results.Record) error
}

// ErrNoEngine is returned by Sweep when no engine runner was given.
var ErrNoEngine = errors.New("loadtest: no engine runner")

// Options wires the orchestrator's collaborators. Engine is only needed to
// sweep; reporting works from the results directories alone.
type Options struct {
	Engine engine.Runner
	// Inputs writes the prompt files before the engine starts.
	Inputs *inputs.Preparer
	// NewBenchmark defaults to k6.New with the configured binary and dirs.
	NewBenchmark BenchmarkFactory
	Sink         ResultSink
	Artifacts    *artifacts.Transfer
	// PublishVersion names the artifact folder. Empty skips publishing.
	PublishVersion string
	Metrics        *metrics.Collector
	Logger         *zap.Logger
}

// Orchestrator runs the whole pipeline: start the engine, sweep every
// input type and load shape with k6, stop the engine, then report.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	runID  string
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// NewOrchestrator creates an orchestrator for one run.
func NewOrchestrator(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("loadtest: config is required")
	}
	logger := logging.OrNop(opts.Logger).Named("loadtest")
	if opts.NewBenchmark == nil {
		bopts := k6.Options{Binary: cfg.K6.Binary, Host: cfg.K6Host(), OutputDir: cfg.K6.OutputDir}
		opts.NewBenchmark = func(c *k6.Config) (Benchmark, error) {
			return k6.New(c, bopts, opts.Logger)
		}
	}
	return &Orchestrator{
		cfg:    cfg,
		opts:   opts,
		runID:  uuid.NewString(),
		logger: logger,
		sleep:  sleepContext,
	}, nil
}

// RunID identifies this run in results and the store.
func (o *Orchestrator) RunID() string { return o.runID }

// Run executes the sweep and then the report. The engine is always stopped
// before reporting. A failed sweep is still reported; a cancelled one is
// not.
func (o *Orchestrator) Run(ctx context.Context) ([]Report, error) {
	o.logger.Info("starting run",
		zap.String("run_id", o.runID),
		zap.String("model", o.cfg.Model),
		zap.String("engine", o.cfg.Engine.Name))

	sweepErr := o.Sweep(ctx)
	if sweepErr != nil {
		o.logger.Error("sweep failed", zap.Error(sweepErr))
	}

	if ctx.Err() != nil {
		return nil, errors.Join(sweepErr, ctx.Err())
	}
	reports, reportErr := o.Report(ctx)
	return reports, errors.Join(sweepErr, reportErr)
}

// Sweep starts the engine, runs every benchmark step and stops the engine.
func (o *Orchestrator) Sweep(ctx context.Context) (err error) {
	if o.opts.Engine == nil {
		return ErrNoEngine
	}
	if o.opts.Inputs != nil {
		if err := o.opts.Inputs.Prepare(); err != nil {
			return err
		}
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if serr := o.opts.Engine.Stop(stopCtx); serr != nil {
			o.logger.Error("stopping engine", zap.Error(serr))
			err = errors.Join(err, serr)
		}
		o.sleep(ctx, o.cfg.Engine.StopGrace)
	}()

	start := time.Now()
	if err := o.opts.Engine.Run(ctx, o.cfg.Engine.Parameters); err != nil {
		return fmt.Errorf("loadtest: start engine: %w", err)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordEngineStartup(o.opts.Engine.Name(), time.Since(start))
	}
	o.logger.Info("engine ready", zap.Duration("startup", time.Since(start)))

	duration := K6Duration(o.cfg.K6.Duration)
	for _, name := range o.cfg.K6.InputTypes {
		inputType := k6.InputType(name)
		if o.runs(results.ConstantArrivalRate) {
			for _, rate := range NewSweep("rate", o.cfg.Sweep.ArrivalRates).Values() {
				ex := k6.NewConstantArrivalRate(o.cfg.Sweep.PreAllocatedVUs, rate, duration, inputType)
				if err := o.step(ctx, ex); err != nil {
					return err
				}
			}
		}
		if o.runs(results.ConstantVUs) {
			for _, vus := range NewSweep("vus", o.cfg.Sweep.VUs).Values() {
				if err := o.step(ctx, k6.NewConstantVUs(vus, duration, inputType)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) runs(tt results.TestType) bool {
	for _, t := range o.cfg.Sweep.TestTypes {
		if results.TestType(t) == tt {
			return true
		}
	}
	return false
}

func (o *Orchestrator) extraInfo() map[string]any {
	return map[string]any{
		"run_id":      o.runID,
		"model":       o.cfg.Model,
		"engine_kind": o.cfg.Engine.Kind,
	}
}

func (o *Orchestrator) step(ctx context.Context, ex *k6.Executor) error {
	cfg := k6.NewConfig(o.cfg.Engine.Name, ex, o.cfg.K6.MaxNewTokens, o.extraInfo())
	b, err := o.opts.NewBenchmark(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	err = b.Run(ctx)
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordBenchmark(ex.Name, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("loadtest: %s: %w", ex, err)
	}
	return nil
}

// Report is the output of one test type.
type Report struct {
	TestType results.TestType
	Frame    *results.Frame
	PlotPath string
	CSVPath  string
	Summary  *reporting.Summary
}

// Report parses every test type's results directory, merges previous
// versions, plots and writes CSVs. A missing results directory is logged
// and skipped.
func (o *Orchestrator) Report(ctx context.Context) ([]Report, error) {
	var (
		reports []Report
		files   []string
		errs    []error
	)
	for _, name := range o.cfg.Sweep.TestTypes {
		tt, err := results.ParseTestType(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dir := tt.Dir(o.cfg.K6.OutputDir)
		if _, err := os.Stat(dir); err != nil {
			o.logger.Error("results directory does not exist", zap.String("dir", dir))
			continue
		}

		rep, err := o.reportTestType(ctx, tt, dir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
		files = append(files, rep.PlotPath, rep.CSVPath)
		raw, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err == nil {
			files = append(files, raw...)
		}
	}

	if o.opts.Artifacts != nil && o.opts.PublishVersion != "" && len(files) > 0 {
		if _, err := o.opts.Artifacts.Publish(ctx, o.opts.PublishVersion, files); err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

func (o *Orchestrator) reportTestType(ctx context.Context, tt results.TestType, dir string) (Report, error) {
	frame, err := results.ParseDir(dir, tt, o.logger)
	if err != nil {
		return Report{}, err
	}
	if o.opts.Metrics != nil {
		for _, r := range frame.Records {
			o.opts.Metrics.RecordRequests(r.Name, string(tt), r.RequestsOK, r.DroppedRequests)
		}
	}
	if o.opts.Sink != nil {
		if err := o.opts.Sink.InsertRun(ctx, o.runID, o.cfg.Model, tt, frame.Records); err != nil {
			// the plot and CSV are still worth producing
			o.logger.Error("storing results", zap.Error(err))
		}
	}

	merged, err := results.MergePrevious(o.cfg.Report.PreviousDir, frame, o.cfg.Engine.Name)
	if err != nil {
		return Report{}, err
	}

	if err := os.MkdirAll(o.cfg.Report.OutputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("loadtest: mkdir %s: %w", o.cfg.Report.OutputDir, err)
	}
	base := filepath.Join(o.cfg.Report.OutputDir, string(tt))
	plotPath, err := reporting.PlotMetrics(o.cfg.Model, merged, base)
	if err != nil {
		return Report{}, err
	}
	csvPath := base + ".csv"
	if err := merged.SaveCSV(csvPath); err != nil {
		return Report{}, err
	}

	o.logger.Info("report written",
		zap.String("test_type", string(tt)),
		zap.Int("records", len(merged.Records)),
		zap.String("plot", plotPath),
		zap.String("csv", csvPath))
	return Report{
		TestType: tt,
		Frame:    merged,
		PlotPath: plotPath,
		CSVPath:  csvPath,
		Summary:  reporting.SummaryTable(merged),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
