package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/model"
)

// ReloadHook records a reload before it takes effect. Returning an error
// aborts the reload and leaves the current snapshot in place.
type ReloadHook func(ctx context.Context, old, next *Snapshot, actor string) error

// Evaluator evaluates requests against the current snapshot. Readers load
// the snapshot pointer once per evaluation, so a concurrent reload never
// produces a torn read.
type Evaluator struct {
	snap   atomic.Pointer[Snapshot]
	clock  clock.Clock
	logger *slog.Logger

	reloadMu sync.Mutex
	hook     ReloadHook
}

// NewEvaluator compiles t and returns an Evaluator serving it.
func NewEvaluator(t Table, clk clock.Clock, logger *slog.Logger) (*Evaluator, error) {
	s, err := Compile(t)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	e := &Evaluator{clock: clk, logger: logger}
	e.snap.Store(s)
	return e, nil
}

// SetReloadHook installs the audit hook called on every reload.
func (e *Evaluator) SetReloadHook(h ReloadHook) {
	e.reloadMu.Lock()
	e.hook = h
	e.reloadMu.Unlock()
}

// Snapshot returns the current snapshot.
func (e *Evaluator) Snapshot() *Snapshot { return e.snap.Load() }

// Evaluate classifies req against the current snapshot at the current time.
func (e *Evaluator) Evaluate(req model.DecisionRequest) (Decision, error) {
	return Evaluate(e.snap.Load(), req, e.clock.Now())
}

// Reload validates t, records the change through the reload hook, and
// swaps it in. Reloading an identical table is a no-op.
func (e *Evaluator) Reload(ctx context.Context, t Table, actor string) (*Snapshot, error) {
	next, err := Compile(t)
	if err != nil {
		return nil, err
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	old := e.snap.Load()
	if old != nil && old.Digest() == next.Digest() {
		return old, nil
	}
	if e.hook != nil {
		if err := e.hook(ctx, old, next, actor); err != nil {
			return nil, fmt.Errorf("policy: record reload: %w", err)
		}
	}
	e.snap.Store(next)

	oldVersion := ""
	if old != nil {
		oldVersion = old.Version()
	}
	e.logger.Info("policy: table reloaded",
		"old_version", oldVersion, "new_version", next.Version(), "actor", actor)
	return next, nil
}
