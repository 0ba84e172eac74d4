package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/inferbench/internal/logging"
	"github.com/FairForge/inferbench/internal/results"
)

const (
	maxParallel = 4
	maxRetries  = 3
)

// Transfer moves artifacts between a Store and the local filesystem with
// bounded concurrency and retries.
type Transfer struct {
	store  Store
	logger *zap.Logger
	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewTransfer wraps store.
func NewTransfer(store Store, logger *zap.Logger) *Transfer {
	return &Transfer{
		store:  store,
		logger: logging.OrNop(logger).Named("artifacts"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return backoff.WithMaxRetries(b, maxRetries)
		},
	}
}

// retry runs op until it succeeds, fails permanently or ctx ends.
// ErrNotFound is never retried.
func (t *Transfer) retry(ctx context.Context, what string, op func() error) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(t.newBackOff(), ctx), func(err error, wait time.Duration) {
		t.logger.Warn("transfer failed, retrying",
			zap.String("artifact", what),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

// VersionKey is the store key of a test type's CSV for version.
func VersionKey(version string, testType results.TestType) string {
	return path.Join(version, string(testType)+".csv")
}

// Fetch downloads <version>/<test_type>.csv for every version and test type
// into dir as <test_type>-<version>.csv, the layout results.MergePrevious
// reads. Missing objects do not stop the other downloads: they are returned
// joined, each wrapping ErrNotFound, alongside the files that were fetched.
func (t *Transfer) Fetch(ctx context.Context, versions []string, testTypes []results.TestType, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: mkdir %s: %w", dir, err)
	}

	var (
		mu      sync.Mutex
		fetched []string
		missing []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, version := range versions {
		for _, tt := range testTypes {
			key := VersionKey(version, tt)
			dst := filepath.Join(dir, results.PreviousFile(tt, version))
			g.Go(func() error {
				err := t.retry(gctx, key, func() error { return t.download(gctx, key, dst) })
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, ErrNotFound):
					t.logger.Warn("previous results missing", zap.String("key", key))
					missing = append(missing, fmt.Errorf("version %s: %w", version, err))
					return nil
				case err != nil:
					return err
				}
				fetched = append(fetched, dst)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fetched, err
	}
	return fetched, errors.Join(missing...)
}

// List returns the keys below prefix.
func (t *Transfer) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := t.retry(ctx, prefix, func() error {
		var err error
		keys, err = t.store.List(ctx, prefix)
		return err
	})
	return keys, err
}

// Versions lists the version folders in the store, sorted.
func (t *Transfer) Versions(ctx context.Context) ([]string, error) {
	keys, err := t.List(ctx, "")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var versions []string
	for _, key := range keys {
		version, _, ok := strings.Cut(key, "/")
		if !ok || seen[version] {
			continue
		}
		seen[version] = true
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

// LocalName is the file name Download writes key under.
func LocalName(key string) string {
	return path.Base(strings.TrimSuffix(key, CompressedExt))
}

// Close releases the store's client, if it holds one. A nil Transfer is a
// no-op.
func (t *Transfer) Close() error {
	if t == nil {
		return nil
	}
	if c, ok := t.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Download copies key to dst, decompressing .zst artifacts.
func (t *Transfer) Download(ctx context.Context, key, dst string) error {
	return t.retry(ctx, key, func() error { return t.download(ctx, key, dst) })
}

func (t *Transfer) download(ctx context.Context, key, dst string) (err error) {
	r, err := t.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifacts: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("artifacts: create %s: %w", dst, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if strings.HasSuffix(key, CompressedExt) {
		_, err = DecompressStream(f, r)
	} else {
		_, err = io.Copy(f, r)
	}
	if err != nil {
		return fmt.Errorf("artifacts: download %s: %w", key, err)
	}
	return nil
}

// Publish uploads files under <version>/. CSVs, plots and summaries go up
// as they are; raw k6 result streams (*.json other than *.summary.json)
// are zstd-compressed and stored as <name>.json.zst. It returns the keys
// written.
func (t *Transfer) Publish(ctx context.Context, version string, files []string) ([]string, error) {
	var (
		mu   sync.Mutex
		keys []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, file := range files {
		g.Go(func() error {
			key := path.Join(version, filepath.Base(file))
			src := file
			if isRawResults(file) {
				compressed, err := compressFile(file)
				if err != nil {
					return err
				}
				defer func() { _ = os.Remove(compressed) }()
				key += CompressedExt
				src = compressed
			}
			if err := t.retry(gctx, key, func() error { return t.upload(gctx, key, src) }); err != nil {
				return err
			}
			t.logger.Info("published artifact", zap.String("key", key), zap.String("store", t.store.Name()))
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return keys, err
}

func isRawResults(file string) bool {
	return strings.HasSuffix(file, ".json") && !strings.HasSuffix(file, ".summary.json")
}

func (t *Transfer) upload(ctx context.Context, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("artifacts: open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()
	return t.store.Put(ctx, key, f)
}

// compressFile writes a zstd copy of src to a temp file.
func compressFile(src string) (_ string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("artifacts: open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.CreateTemp("", "inferbench-*"+CompressedExt)
	if err != nil {
		return "", fmt.Errorf("artifacts: temp file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()

	if _, err := CompressStream(out, in); err != nil {
		return "", err
	}
	return out.Name(), nil
}
