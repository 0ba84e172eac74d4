package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/metrics"
	"github.com/FairForge/inferbench/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve plots, CSVs and parsed results over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			return a.serve(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (server.addr when unset)")
	return cmd
}

func (a *app) serve(ctx context.Context, out io.Writer) error {
	opts := server.Options{
		Addr:      a.cfg.Server.Addr,
		ReportDir: a.cfg.Report.OutputDir,
		Collector: metrics.NewCollector(),
		Logger:    a.logger,
	}
	db, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
		opts.Runs = db
	}
	srv := server.New(opts)

	go func() {
		<-ctx.Done()
		a.logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("shutdown error", zap.Error(err))
		}
	}()

	fmt.Fprintf(out, "report: http://localhost%s/files/\n", a.cfg.Server.Addr)
	return srv.Start()
}
