package policy

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"time"
)

// Watcher polls a policy file and reloads the evaluator when its contents
// change. A file that fails to parse or validate is logged and skipped;
// the previous snapshot stays in effect.
type Watcher struct {
	path      string
	evaluator *Evaluator
	interval  time.Duration
	logger    *slog.Logger
	last      [sha256.Size]byte
}

// NewWatcher returns a Watcher for path.
func NewWatcher(path string, e *Evaluator, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{path: path, evaluator: e, interval: interval, logger: logger}
}

// Check reloads once if the file changed since the previous check. It
// reports whether a reload happened.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	if sum == w.last {
		return false, nil
	}
	t, err := Parse(data)
	if err != nil {
		return false, err
	}
	before := w.evaluator.Snapshot()
	next, err := w.evaluator.Reload(ctx, t, "file:"+w.path)
	if err != nil {
		return false, err
	}
	w.last = sum
	return next != before, nil
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.logger.Warn("policy: reload from file failed", "path", w.path, "error", err)
			}
		}
	}
}
