package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/FairForge/inferbench/internal/artifacts"
)

var errNoArtifactStore = errors.New("artifacts.backend is none")

func newArtifactsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Exchange results with the shared artifact store",
	}

	list := &cobra.Command{
		Use:   "list [version]",
		Short: "List published versions, or the keys of one version",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) == 1 {
				version = args[0]
			}
			return a.withTransfer(cmd.Context(), func(t *artifacts.Transfer) error {
				return listArtifacts(cmd.Context(), cmd.OutOrStdout(), t, version)
			})
		},
	}

	var (
		versions []string
		keys     []string
		dest     string
	)
	fetch := &cobra.Command{
		Use:   "fetch",
		Short: "Download previous versions' CSVs into report.previous_dir",
		Long: `fetch downloads <version>/<test_type>.csv for every --versions entry
into report.previous_dir. Individual objects can be fetched with --key;
compressed raw results are decompressed on the way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTransfer(cmd.Context(), func(t *artifacts.Transfer) error {
				if err := a.fetchPrevious(cmd.Context(), t, versions); err != nil {
					return err
				}
				return downloadKeys(cmd.Context(), cmd.OutOrStdout(), t, keys, dest)
			})
		},
	}
	fetch.Flags().StringSliceVar(&versions, "versions", nil, "Versions to fetch, e.g. v2.0.0,v2.1.0")
	fetch.Flags().StringArrayVar(&keys, "key", nil, "Single object to download, e.g. v2.0.0/tgi_constant_vus.json.zst (repeatable)")
	fetch.Flags().StringVar(&dest, "dest", ".", "Directory --key objects are written to")
	fetch.MarkFlagsOneRequired("versions", "key")

	var version string
	publish := &cobra.Command{
		Use:   "publish [files...]",
		Short: "Upload plots and CSVs under a version folder",
		Long: `publish uploads the given files, or every plot and CSV in
report.output_dir when none are given. Raw k6 results are compressed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.publish(cmd.Context(), cmd.OutOrStdout(), version, args)
		},
	}
	publish.Flags().StringVar(&version, "version", "", "Version folder to publish under")
	_ = publish.MarkFlagRequired("version")

	cmd.AddCommand(list, fetch, publish)
	return cmd
}

// withTransfer opens the configured store for fn and closes it afterwards.
func (a *app) withTransfer(ctx context.Context, fn func(*artifacts.Transfer) error) error {
	t, err := a.transfer(ctx)
	if err != nil {
		return err
	}
	if t == nil {
		return errNoArtifactStore
	}
	defer func() { _ = t.Close() }()
	return fn(t)
}

func listArtifacts(ctx context.Context, out io.Writer, t *artifacts.Transfer, version string) error {
	var (
		lines []string
		err   error
	)
	if version == "" {
		lines, err = t.Versions(ctx)
	} else {
		lines, err = t.List(ctx, version+"/")
	}
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	return nil
}

func downloadKeys(ctx context.Context, out io.Writer, t *artifacts.Transfer, keys []string, dest string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, key := range keys {
		dst := filepath.Join(dest, artifacts.LocalName(key))
		if err := t.Download(ctx, key, dst); err != nil {
			return err
		}
		fmt.Fprintln(out, dst)
	}
	return nil
}

func (a *app) publish(ctx context.Context, out io.Writer, version string, files []string) error {
	return a.withTransfer(ctx, func(t *artifacts.Transfer) error {
		if len(files) == 0 {
			for _, pattern := range []string{"*.png", "*.csv"} {
				matches, err := filepath.Glob(filepath.Join(a.cfg.Report.OutputDir, pattern))
				if err != nil {
					return err
				}
				files = append(files, matches...)
			}
		}
		if len(files) == 0 {
			return fmt.Errorf("nothing to publish in %s", a.cfg.Report.OutputDir)
		}

		keys, err := t.Publish(ctx, version, files)
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return err
	})
}
