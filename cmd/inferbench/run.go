package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/engine"
	"github.com/FairForge/inferbench/internal/loadtest"
	"github.com/FairForge/inferbench/internal/metrics"
	"github.com/FairForge/inferbench/internal/server"
)

type runOptions struct {
	compareVersions []string
	publishVersion  string
	metricsAddr     string
	params          []string
}

func newRunCommand(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine, sweep it with k6 and write the report",
		Long: `run launches the configured engine, runs the constant arrival rate and
constant VUs sweeps for every input type, stops the engine and renders one
plot and CSV per test type. Previous versions fetched with --compare are
merged into the plots.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringSliceVar(&o.compareVersions, "compare", nil, "Previous versions to fetch and merge into the plots")
	cmd.Flags().StringVar(&o.publishVersion, "publish-version", "", "Publish plots, CSVs and raw results under this version")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve /metrics and the report on this address while running")
	cmd.Flags().StringArrayVar(&o.params, "param", nil, "Engine launcher parameter as key=value, overriding engine.parameters (repeatable)")
	return cmd
}

// applyParams sets each key=value pair on the engine parameters.
func applyParams(cfg *config.Config, params []string) error {
	for _, kv := range params {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimLeft(strings.TrimSpace(key), "-")
		if !ok || key == "" {
			return fmt.Errorf("%w: --param %q, want key=value", config.ErrInvalid, kv)
		}
		cfg.Engine.Parameters.Set(key, value)
	}
	return nil
}

func (a *app) run(ctx context.Context, out io.Writer, o *runOptions) error {
	if err := applyParams(a.cfg, o.params); err != nil {
		return err
	}
	runner, err := engine.New(a.cfg, a.logger)
	if err != nil {
		return err
	}
	preparer, err := a.preparer()
	if err != nil {
		return err
	}

	transfer, err := a.transfer(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = transfer.Close() }()
	if err := a.fetchPrevious(ctx, transfer, o.compareVersions); err != nil {
		return err
	}

	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	opts := loadtest.Options{
		Engine:         runner,
		Inputs:         preparer,
		Artifacts:      transfer,
		PublishVersion: o.publishVersion,
		Metrics:        metrics.NewCollector(),
		Logger:         a.logger,
	}
	if db != nil {
		defer func() { _ = db.Close() }()
		opts.Sink = db
	}

	if o.metricsAddr != "" {
		srvOpts := server.Options{
			Addr:      o.metricsAddr,
			ReportDir: a.cfg.Report.OutputDir,
			Collector: opts.Metrics,
			Logger:    a.logger,
		}
		if db != nil {
			srvOpts.Runs = db
		}
		srv := server.New(srvOpts)
		go func() {
			if err := srv.Start(); err != nil {
				a.logger.Error("report server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	orch, err := loadtest.NewOrchestrator(a.cfg, opts)
	if err != nil {
		return err
	}
	reports, err := orch.Run(ctx)
	a.printReports(out, reports)
	return err
}
