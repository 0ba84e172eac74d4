// Package watch re-renders the report while a sweep is still running.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/logging"
)

// DefaultDebounce waits for the results and summary writes of one k6 step
// to land before rendering.
const DefaultDebounce = 2 * time.Second

// Handler is called with the directories that received new summaries.
type Handler func(ctx context.Context, dirs []string) error

// Watcher watches a results root and the test type directories below it.
type Watcher struct {
	root     string
	debounce time.Duration
	handle   Handler
	logger   *zap.Logger
	fsw      *fsnotify.Watcher

	pending map[string]bool
}

// New watches root and every directory already below it. root is created
// when missing so a watch can start before the first step.
func New(root string, debounce time.Duration, handle Handler, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("watch: mkdir %s: %w", root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		root:     root,
		debounce: debounce,
		handle:   handle,
		logger:   logging.OrNop(logger).Named("watch"),
		fsw:      fsw,
		pending:  map[string]bool{},
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			if isSummary(path) {
				w.pending[filepath.Dir(path)] = true
			}
			return nil
		}
		w.logger.Debug("watching directory", zap.String("dir", path))
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", path, err)
		}
		return nil
	})
}

func isSummary(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "summary.json")
}

// Run dispatches events until ctx is done. Handler errors are logged and
// the watch goes on.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	// the caller renders once before watching
	w.pending = map[string]bool{}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			timer.Reset(w.debounce)
		}
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.observe(event) {
				arm()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			w.flush(ctx)
		}
	}
}

// observe records an event and reports whether a render is due.
func (w *Watcher) observe(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.logger.Info("added directory", zap.String("dir", event.Name))
			if err := w.addTree(event.Name); err != nil {
				w.logger.Error("watching new directory", zap.Error(err))
			}
			return len(w.pending) > 0
		}
	}
	if !isSummary(event.Name) {
		return false
	}
	w.pending[filepath.Dir(event.Name)] = true
	return true
}

func (w *Watcher) flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	dirs := make([]string, 0, len(w.pending))
	for d := range w.pending {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	w.pending = map[string]bool{}

	w.logger.Info("rendering", zap.Strings("dirs", dirs))
	if err := w.handle(ctx, dirs); err != nil {
		w.logger.Error("render failed", zap.Error(err))
	}
}

// Close stops watching. Run closes the watcher itself on return.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
