package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/k6"
	"github.com/FairForge/inferbench/internal/loadtest"
	"github.com/FairForge/inferbench/internal/results"
)

type benchOptions struct {
	testType  string
	inputType string
	vus       int
	rate      int
	duration  time.Duration
}

func newBenchCommand(a *app) *cobra.Command {
	o := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run one k6 step against an engine that is already serving",
		Example: `  inferbench bench --test-type constant_vus --vus 32
  inferbench bench --test-type constant_arrival_rate --rate 20 --input-type constant_tokens`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.bench(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVar(&o.testType, "test-type", config.TestConstantVUs, "constant_vus or constant_arrival_rate")
	cmd.Flags().StringVar(&o.inputType, "input-type", config.InputShareGPTConversations, "sharegpt_conversations or constant_tokens")
	cmd.Flags().IntVar(&o.vus, "vus", 1, "Virtual users for constant_vus")
	cmd.Flags().IntVar(&o.rate, "rate", 1, "Requests per second for constant_arrival_rate")
	cmd.Flags().DurationVar(&o.duration, "duration", 0, "Step duration (k6.duration when zero)")
	return cmd
}

func (o *benchOptions) executor(cfg *config.Config) (*k6.Executor, results.TestType, error) {
	tt, err := results.ParseTestType(o.testType)
	if err != nil {
		return nil, "", err
	}
	inputType := k6.InputType(o.inputType)
	if inputType != k6.ConstantTokens && inputType != k6.SharegptConversations {
		return nil, "", fmt.Errorf("unknown input type %q", o.inputType)
	}
	d := o.duration
	if d <= 0 {
		d = cfg.K6.Duration
	}
	duration := loadtest.K6Duration(d)

	if tt == results.ConstantVUs {
		return k6.NewConstantVUs(o.vus, duration, inputType), tt, nil
	}
	return k6.NewConstantArrivalRate(cfg.Sweep.PreAllocatedVUs, o.rate, duration, inputType), tt, nil
}

func (a *app) bench(ctx context.Context, out io.Writer, o *benchOptions) error {
	ex, tt, err := o.executor(a.cfg)
	if err != nil {
		return err
	}
	preparer, err := a.preparer()
	if err != nil {
		return err
	}

	cfg := k6.NewConfig(a.cfg.Engine.Name, ex, a.cfg.K6.MaxNewTokens, map[string]any{"model": a.cfg.Model})
	cfg.Inputs = preparer
	b, err := k6.New(cfg, k6.Options{
		Binary:    a.cfg.K6.Binary,
		Host:      a.cfg.K6Host(),
		OutputDir: a.cfg.K6.OutputDir,
	}, a.logger)
	if err != nil {
		return err
	}
	if err := b.Run(ctx); err != nil {
		return err
	}

	raw, err := os.ReadFile(b.SummaryPath())
	if err != nil {
		return err
	}
	rec, err := results.ParseSummary(raw, tt)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok=%g fail=%g error_rate=%.2f%% ttft_p90=%.1fms throughput=%.1f tok/s\n",
		cfg, rec.RequestsOK, rec.DroppedRequests, rec.ErrorRate,
		rec.Value(results.ColTimeToFirstToken), rec.Value(results.ColTokensThroughput))
	fmt.Fprintf(out, "summary: %s\n", b.SummaryPath())
	return nil
}
