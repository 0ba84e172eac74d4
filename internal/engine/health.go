// internal/engine/health.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// waitHealthy polls url until it answers 200. Probes are paced by a token
// bucket so a slow server is not flooded while it loads weights.
func waitHealthy(ctx context.Context, url string, every time.Duration, logger *zap.Logger) error {
	limiter := rate.NewLimiter(rate.Every(every), 1)
	client := &http.Client{Timeout: 5 * time.Second}

	var last error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if last == nil {
				last = err
			}
			// Wait also fails early when the next token lies past the deadline.
			if errors.Is(ctx.Err(), context.Canceled) {
				return fmt.Errorf("engine: health %s: %w", url, ctx.Err())
			}
			return fmt.Errorf("%w: health %s: %v", ErrTimeout, url, last)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("engine: health request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			last = err
			logger.Debug("health probe failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			logger.Info("engine healthy", zap.String("url", url), zap.Int("attempts", attempt))
			return nil
		}
		last = fmt.Errorf("status %d", resp.StatusCode)
		logger.Debug("health probe not ready", zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
	}
}
