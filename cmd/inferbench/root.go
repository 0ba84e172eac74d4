package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/artifacts"
	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/inputs"
	"github.com/FairForge/inferbench/internal/loadtest"
	"github.com/FairForge/inferbench/internal/logging"
	"github.com/FairForge/inferbench/internal/reporting"
	"github.com/FairForge/inferbench/internal/results"
	"github.com/FairForge/inferbench/internal/store"
)

type rootOptions struct {
	configPath string
	model      string
	outputDir  string
	logLevel   string
	logFormat  string
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	opts   rootOptions
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "inferbench",
		Short: "Load test LLM inference servers with k6 and plot the results",
		Long: `inferbench starts an inference server (TGI or vLLM), sweeps it with k6
at increasing load, and renders latency and throughput plots that compare
the run with previous engine versions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	addRootFlags(cmd.PersistentFlags(), &a.opts)

	cmd.AddCommand(
		newRunCommand(a),
		newBenchCommand(a),
		newPrepareInputsCommand(a),
		newReportCommand(a),
		newArtifactsCommand(a),
		newServeCommand(a),
	)
	return cmd
}

func addRootFlags(fs *pflag.FlagSet, o *rootOptions) {
	fs.StringVarP(&o.configPath, "config", "c", "", "YAML config file (defaults only when empty)")
	fs.StringVar(&o.model, "model", "", "Model id passed to the engine")
	fs.StringVarP(&o.outputDir, "output-dir", "o", "", "Directory for plots and CSV tables")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "", "Log format: json, console")
}

// setup loads the config, applies flag overrides and builds the logger.
// Flags win over the environment, which wins over the file.
func (a *app) setup(fs *pflag.FlagSet) error {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, fs, a.opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(&logging.LoggerConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func applyFlags(cfg *config.Config, fs *pflag.FlagSet, o rootOptions) {
	if fs.Changed("model") {
		cfg.Model = o.model
	}
	if fs.Changed("output-dir") {
		cfg.Report.OutputDir = o.outputDir
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
}

// preparer builds the prompt file writer. The tokenizer is only loaded
// when its file exists; Prepare fails later if a prompt file is missing
// and there is no tokenizer to build it.
func (a *app) preparer() (*inputs.Preparer, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("working directory: %w", err)
	}
	p := &inputs.Preparer{
		ConversationsFile: a.cfg.K6.ConversationsFile,
		InputNumTokens:    a.cfg.K6.InputNumTokens,
		Dir:               wd,
		Logger:            a.logger,
	}
	if _, err := os.Stat(a.cfg.K6.TokenizerFile); err == nil {
		tok, err := inputs.LoadHFTokenizer(a.cfg.K6.TokenizerFile)
		if err != nil {
			return nil, err
		}
		p.Tokenizer = tok
	} else {
		a.logger.Debug("tokenizer not found", zap.String("path", a.cfg.K6.TokenizerFile))
	}
	return p, nil
}

// openStore connects the Postgres sink when a DSN is configured. A nil
// store means results are not persisted.
func (a *app) openStore(ctx context.Context) (*store.Postgres, error) {
	if a.cfg.Store.DSN == "" {
		return nil, nil
	}
	db, err := store.NewPostgres(a.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.CreateTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// transfer wraps the configured artifact store. Nil when the backend is
// none.
func (a *app) transfer(ctx context.Context) (*artifacts.Transfer, error) {
	s, err := artifacts.New(ctx, a.cfg.Artifacts, a.logger)
	if err != nil || s == nil {
		return nil, err
	}
	return artifacts.NewTransfer(s, a.logger), nil
}

// fetchPrevious downloads earlier versions' CSVs into report.previous_dir.
// Versions missing from the store are only logged.
func (a *app) fetchPrevious(ctx context.Context, t *artifacts.Transfer, versions []string) error {
	if t == nil || len(versions) == 0 {
		return nil
	}
	var testTypes []results.TestType
	for _, name := range a.cfg.Sweep.TestTypes {
		tt, err := results.ParseTestType(name)
		if err != nil {
			return err
		}
		testTypes = append(testTypes, tt)
	}

	files, err := t.Fetch(ctx, versions, testTypes, a.cfg.Report.PreviousDir)
	if err != nil && !errors.Is(err, artifacts.ErrNotFound) {
		return err
	}
	if err != nil {
		a.logger.Warn("some previous results are missing", zap.Error(err))
	}
	a.logger.Info("fetched previous results", zap.Strings("files", files))
	return nil
}

// printReports writes each summary table, then how the engine compares
// with every merged previous version.
func (a *app) printReports(w io.Writer, reports []loadtest.Report) {
	for _, rep := range reports {
		fmt.Fprintln(w, rep.Summary.Markdown())
		fmt.Fprintf(w, "plot: %s\ncsv:  %s\n\n", rep.PlotPath, rep.CSVPath)

		current := a.cfg.Engine.Name
		for _, name := range rep.Frame.Names() {
			if !strings.HasPrefix(name, current+"_") {
				continue
			}
			c := reporting.Compare(rep.Frame, current, name, nil)
			fmt.Fprintf(w, "%s vs %s: %s (%d regressions, %d improvements)\n",
				current, name, c.OverallStatus, c.Regressions, c.Improvements)
		}
	}
}
