// Package artifacts exchanges benchmark CSVs, plots and raw k6 results
// with a shared object store, so a run can be compared with earlier
// engine versions.
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

	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/config"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store is a flat key/value object store. Keys use forward slashes and are
// relative to the store's prefix.
type Store interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
	Name() string
}

// New builds the store selected by cfg.Backend. BackendNone yields nil.
func New(ctx context.Context, cfg config.ArtifactsConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendLocal:
		return NewLocalStore(cfg.Path), nil
	case config.BackendS3:
		return NewS3Store(ctx, S3Options{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Endpoint:     cfg.Endpoint,
			Region:       cfg.Region,
			AccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
			UsePathStyle: cfg.Endpoint != "",
		}, logger)
	case config.BackendGCS:
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix, logger)
	default:
		return nil, fmt.Errorf("artifacts: unknown backend %q", cfg.Backend)
	}
}

// LocalStore keeps artifacts under a directory, e.g. a mounted share.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+key)))
}

// List returns every key below prefix in lexical order.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: list %s: %w", s.root, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Get opens the artifact at key.
func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s: %w", key, err)
	}
	return f, nil
}

// Put writes r to key, replacing any existing artifact atomically.
func (s *LocalStore) Put(_ context.Context, key string, r io.Reader) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	return nil
}

// Name returns the backend name
func (s *LocalStore) Name() string { return config.BackendLocal }
