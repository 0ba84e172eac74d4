package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/loadtest"
	"github.com/FairForge/inferbench/internal/watch"
)

func newPrepareInputsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare-inputs",
		Short: "Write the constant and variable token prompt files",
		Long: `prepare-inputs tokenizes the ShareGPT dataset with k6.tokenizer_file and
writes the two prompt files the k6 scenarios replay into the working
directory. Existing files are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.preparer()
			if err != nil {
				return err
			}
			if p.Tokenizer == nil {
				return fmt.Errorf("tokenizer %s not found", a.cfg.K6.TokenizerFile)
			}
			return p.Prepare()
		},
	}
}

type reportOptions struct {
	watch           bool
	debounce        time.Duration
	compareVersions []string
	publishVersion  string
}

func newReportCommand(a *app) *cobra.Command {
	o := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Plot the results already in k6.output_dir",
		Long: `report parses every k6 summary of the configured test types, merges the
previous versions found in report.previous_dir and writes the plots and
CSV tables. With --watch it keeps rendering as new summaries land.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.report(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().BoolVarP(&o.watch, "watch", "w", false, "Re-render when new summaries appear")
	cmd.Flags().DurationVar(&o.debounce, "debounce", watch.DefaultDebounce, "Quiet period before re-rendering")
	cmd.Flags().StringSliceVar(&o.compareVersions, "compare", nil, "Previous versions to fetch and merge into the plots")
	cmd.Flags().StringVar(&o.publishVersion, "publish-version", "", "Publish plots, CSVs and raw results under this version")
	return cmd
}

func (a *app) report(ctx context.Context, out io.Writer, o *reportOptions) error {
	transfer, err := a.transfer(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = transfer.Close() }()
	if err := a.fetchPrevious(ctx, transfer, o.compareVersions); err != nil {
		return err
	}

	orch, err := loadtest.NewOrchestrator(a.cfg, loadtest.Options{
		Artifacts:      transfer,
		PublishVersion: o.publishVersion,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	reports, err := orch.Report(ctx)
	a.printReports(out, reports)
	if !o.watch {
		return err
	}
	if err != nil {
		a.logger.Warn("initial report failed, watching anyway", zap.Error(err))
	}

	w, err := watch.New(a.cfg.K6.OutputDir, o.debounce, func(ctx context.Context, _ []string) error {
		reports, err := orch.Report(ctx)
		a.printReports(out, reports)
		return err
	}, a.logger)
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
