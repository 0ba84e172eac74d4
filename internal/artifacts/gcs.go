package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/FairForge/inferbench/internal/config"
	"github.com/FairForge/inferbench/internal/logging"
)

// GCSStore keeps artifacts in a Google Cloud Storage bucket. Credentials
// come from the environment (GOOGLE_APPLICATION_CREDENTIALS or workload
// identity).
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewGCSStore creates a new GCS store
func NewGCSStore(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.OrNop(logger).Named("artifacts.gcs"),
	}, nil
}

func (s *GCSStore) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// List returns every key below prefix, relative to the store prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	strip := ""
	if s.prefix != "" {
		strip = s.prefix + "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: strip + prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("artifacts: list %s: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, strip))
	}
}

// Get retrieves an artifact
func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	name := s.object(key)
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s: %w", name, err)
	}
	return r, nil
}

// Put stores an artifact
func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader) error {
	name := s.object(key)
	// Cancelling before Close aborts the upload instead of committing a
	// partial object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("artifacts: put %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("artifacts: put %s: %w", name, err)
	}
	s.logger.Debug("stored artifact", zap.String("object", name), zap.String("bucket", s.bucket))
	return nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Name returns the backend name
func (s *GCSStore) Name() string { return config.BackendGCS }
