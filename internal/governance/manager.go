// Package governance is the decision window manager: it owns the lifecycle
// of every window from proposal to terminal outcome. Each window is driven
// by its own actor goroutine, which is the single writer for that window's
// state, timers and audit chain.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/notify"
	"github.com/ashita-ai/kansa/internal/policy"
	"github.com/ashita-ai/kansa/internal/telemetry"
)

// ErrShuttingDown is returned for proposals made after Shutdown began.
var ErrShuttingDown = fmt.Errorf("governance: shutting down: %w", model.ErrDependencyUnavailable)

// Notifier schedules and cancels operator alerts.
type Notifier interface {
	Dispatch(w model.DecisionWindow, p notify.Profile) []notify.Task
	CancelAll(windowID uuid.UUID) int
	Acknowledge(windowID uuid.UUID, operatorID string) int
}

// PolicySource supplies the policy snapshot in force when a window is
// evaluated. *policy.Evaluator implements it.
type PolicySource interface {
	Snapshot() *policy.Snapshot
}

// Publisher receives every window event for observer streams.
type Publisher interface {
	Publish(ev model.WindowEvent)
}

// Config wires the manager's collaborators.
type Config struct {
	Ledger    *ledger.Ledger
	Policy    PolicySource
	Notifier  Notifier
	Executor  Executor
	Publisher Publisher
	Windows   WindowStore
	Clock     clock.Clock
	Logger    *slog.Logger
	// Profiles overrides the built-in notification profiles by name.
	Profiles map[string]notify.Profile

	RetainResolved    time.Duration
	ExecuteTimeout    time.Duration
	CompensateTimeout time.Duration
	AppendTimeout     time.Duration
	// RetryDelay is the first backoff step for timer-driven transitions
	// whose audit write failed.
	RetryDelay  time.Duration
	MailboxSize int
}

func (c *Config) defaults() {
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Windows == nil {
		c.Windows = NewMemoryWindowStore()
	}
	if c.Executor == nil {
		c.Executor = DeferredExecutor{}
	}
	profiles := notify.Profiles()
	for name, p := range c.Profiles {
		profiles[name] = p
	}
	c.Profiles = profiles
	if c.RetainResolved <= 0 {
		c.RetainResolved = 15 * time.Minute
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 30 * time.Second
	}
	if c.CompensateTimeout <= 0 {
		c.CompensateTimeout = 10 * time.Second
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 16
	}
}

type resolvedWindow struct {
	w  model.DecisionWindow
	at time.Time
}

type metrics struct {
	transitions metric.Int64Counter
	open        metric.Int64UpDownCounter
	lateEvents  metric.Int64Counter
	executions  metric.Int64Counter
}

// Manager creates decision windows and routes commands to their actors.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	actors    map[uuid.UUID]*actor
	byRequest map[uuid.UUID]uuid.UUID
	resolved  map[uuid.UUID]resolvedWindow
	closed    bool

	wg      sync.WaitGroup
	metrics metrics
}

// reloadable is implemented by policy sources that can swap tables at runtime.
type reloadable interface {
	SetReloadHook(policy.ReloadHook)
}

// NewManager returns a Manager. Ledger and Policy are required. When the
// policy source can be reloaded, every reload is audited on the system chain.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Ledger == nil || cfg.Policy == nil {
		return nil, errors.New("governance: ledger and policy are required")
	}
	cfg.defaults()
	m := &Manager{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		actors:    make(map[uuid.UUID]*actor),
		byRequest: make(map[uuid.UUID]uuid.UUID),
		resolved:  make(map[uuid.UUID]resolvedWindow),
	}
	if r, ok := cfg.Policy.(reloadable); ok {
		r.SetReloadHook(PolicyReloads(cfg.Ledger))
	}
	m.registerMetrics()
	return m, nil
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("kansa/governance")
	m.metrics.transitions, _ = meter.Int64Counter("kansa.window.transitions",
		metric.WithDescription("Window state transitions by target state"))
	m.metrics.open, _ = meter.Int64UpDownCounter("kansa.window.open",
		metric.WithDescription("Windows not yet in a terminal state"))
	m.metrics.lateEvents, _ = meter.Int64Counter("kansa.window.late_events",
		metric.WithDescription("Timers and actions that lost the race to a resolved window"))
	m.metrics.executions, _ = meter.Int64Counter("kansa.window.executions",
		metric.WithDescription("Executor outcomes by result"))
}

func (m *Manager) countLate(kind string) {
	if m.metrics.lateEvents != nil {
		m.metrics.lateEvents.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// Propose validates req and opens a window for it. Proposing a request ID
// that already has a window returns that window unchanged.
func (m *Manager) Propose(ctx context.Context, req model.DecisionRequest) (model.DecisionWindow, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.clock.Now()
	}
	if err := model.ValidateDecisionRequest(req); err != nil {
		m.logger.Info("governance: proposal rejected", "request_id", req.ID, "agent_id", req.AgentID, "error", err)
		return model.DecisionWindow{}, err
	}

	if w, ok, err := m.lookupRequest(ctx, req.ID); err != nil {
		return model.DecisionWindow{}, err
	} else if ok {
		return w, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.DecisionWindow{}, ErrShuttingDown
	}
	if id, ok := m.byRequest[req.ID]; ok {
		m.mu.Unlock()
		return m.Status(ctx, id)
	}
	a := newActor(m, uuid.New(), req)
	m.byRequest[req.ID] = a.id
	m.actors[a.id] = a
	m.mu.Unlock()
	if m.metrics.open != nil {
		m.metrics.open.Add(ctx, 1)
	}

	if err := a.open(ctx); err != nil {
		m.discard(a)
		return model.DecisionWindow{}, err
	}
	if a.finished {
		close(a.done)
		return a.snapshot(), nil
	}
	m.wg.Add(1)
	go a.run()
	return a.snapshot(), nil
}

func (m *Manager) lookupRequest(ctx context.Context, requestID uuid.UUID) (model.DecisionWindow, bool, error) {
	m.mu.RLock()
	id, ok := m.byRequest[requestID]
	m.mu.RUnlock()
	if ok {
		w, err := m.Status(ctx, id)
		return w, err == nil, err
	}
	w, err := m.cfg.Windows.GetWindowByRequest(ctx, requestID)
	if errors.Is(err, model.ErrNotFound) {
		return model.DecisionWindow{}, false, nil
	}
	if err != nil {
		return model.DecisionWindow{}, false, fmt.Errorf("governance: lookup request: %w", err)
	}
	return w, true, nil
}

// discard forgets a window whose opening failed before anything terminal
// was recorded.
func (m *Manager) discard(a *actor) {
	m.mu.Lock()
	delete(m.actors, a.id)
	delete(m.byRequest, a.w.Request.ID)
	m.mu.Unlock()
	if m.metrics.open != nil {
		m.metrics.open.Add(context.Background(), -1)
	}
	a.stopTimer()
	if m.cfg.Notifier != nil {
		m.cfg.Notifier.CancelAll(a.id)
	}
	close(a.done)
}

// retire moves a terminal window out of the live set.
func (m *Manager) retire(a *actor) {
	w := a.snapshot()
	m.mu.Lock()
	delete(m.actors, a.id)
	m.resolved[a.id] = resolvedWindow{w: w, at: m.clock.Now()}
	m.mu.Unlock()
	if m.metrics.open != nil {
		m.metrics.open.Add(context.Background(), -1)
	}
	m.cfg.Ledger.Release(a.id)
}

func (m *Manager) actor(id uuid.UUID) *actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[id]
}

// Status returns a snapshot of a window, live or resolved.
func (m *Manager) Status(ctx context.Context, id uuid.UUID) (model.DecisionWindow, error) {
	m.mu.RLock()
	a, live := m.actors[id]
	r, resolved := m.resolved[id]
	m.mu.RUnlock()
	if live {
		return a.snapshot(), nil
	}
	if resolved {
		return r.w.Clone(), nil
	}
	w, err := m.cfg.Windows.GetWindow(ctx, id)
	if err != nil {
		return model.DecisionWindow{}, err
	}
	return w, nil
}

// RecordAction submits a human action. The result is never empty: every
// call is answered accepted, rejected with a reason, or already resolved.
// The error is non-nil only when the window does not exist.
func (m *Manager) RecordAction(ctx context.Context, act model.HumanAction) (model.ActionResult, error) {
	if act.At.IsZero() {
		act.At = m.clock.Now()
	}
	res := model.ActionResult{WindowID: act.WindowID}
	if err := act.Validate(); err != nil {
		m.logger.Info("governance: action rejected",
			"window_id", act.WindowID, "operator_id", act.OperatorID, "action", act.Action, "error", err)
		res.Status = model.ActionRejected
		res.Reason = err.Error()
		if w, serr := m.Status(ctx, act.WindowID); serr == nil {
			res.State = w.State
		}
		return res, nil
	}

	a := m.actor(act.WindowID)
	if a == nil {
		w, err := m.Status(ctx, act.WindowID)
		if err != nil {
			return res, err
		}
		m.countLate("action")
		return alreadyResolved(w), nil
	}
	r, ok := a.ask(command{kind: cmdAction, action: act})
	if !ok {
		m.countLate("action")
		return alreadyResolved(a.snapshot()), nil
	}
	return r.action, nil
}

func alreadyResolved(w model.DecisionWindow) model.ActionResult {
	return model.ActionResult{
		Status:   model.ActionAlreadyResolved,
		Reason:   "window already resolved",
		State:    w.State,
		WindowID: w.ID,
	}
}

// CallbackStatus answers an executor callback.
type CallbackStatus string

const (
	CallbackRecorded  CallbackStatus = "recorded"
	CallbackPending   CallbackStatus = "pending"
	CallbackDuplicate CallbackStatus = "duplicate"
	CallbackIgnored   CallbackStatus = "ignored"
)

// CallbackResult is returned by ReportExecution.
type CallbackResult struct {
	Status CallbackStatus    `json:"status"`
	State  model.WindowState `json:"state"`
}

// ReportExecution records an executor's asynchronous outcome. Duplicate
// success reports for a committed window are acknowledged without writing
// a second entry.
func (m *Manager) ReportExecution(ctx context.Context, windowID uuid.UUID, rep model.ExecutionReport) (CallbackResult, error) {
	if err := rep.Validate(); err != nil {
		return CallbackResult{}, err
	}
	a := m.actor(windowID)
	if a != nil {
		r, ok := a.ask(command{kind: cmdExecResult, exec: execResult{
			outcome: ExecutionOutcome{Success: rep.Success, Reference: rep.Reference, Reason: rep.Reason},
			source:  "callback",
		}})
		if ok {
			return r.callback, r.err
		}
	}
	w, err := m.Status(ctx, windowID)
	if err != nil {
		return CallbackResult{}, err
	}
	if w.State == model.StateCommitted && rep.Success {
		return CallbackResult{Status: CallbackDuplicate, State: w.State}, nil
	}
	return CallbackResult{Status: CallbackIgnored, State: w.State}, nil
}

// Acknowledge stops the remaining reminder tiers for a live window.
func (m *Manager) Acknowledge(ctx context.Context, windowID uuid.UUID, operatorID string) (int, error) {
	a := m.actor(windowID)
	if a == nil {
		if _, err := m.Status(ctx, windowID); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if m.cfg.Notifier == nil {
		return 0, nil
	}
	return m.cfg.Notifier.Acknowledge(windowID, operatorID), nil
}

// Audit returns a window's audit chain.
func (m *Manager) Audit(ctx context.Context, windowID uuid.UUID) ([]model.AuditEntry, error) {
	if _, err := m.Status(ctx, windowID); err != nil {
		return nil, err
	}
	return m.cfg.Ledger.Entries(ctx, windowID)
}

// Verify recomputes a window's audit chain.
func (m *Manager) Verify(ctx context.Context, windowID uuid.UUID) (model.VerifyResult, error) {
	if _, err := m.Status(ctx, windowID); err != nil {
		return model.VerifyResult{}, err
	}
	return m.cfg.Ledger.Verify(ctx, windowID)
}

// OpenWindows returns the number of windows not yet terminal.
func (m *Manager) OpenWindows() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}

// Sweep evicts resolved windows older than the retention period. They stay
// available through the WindowStore.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.cfg.RetainResolved)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.resolved {
		if r.at.Before(cutoff) {
			delete(m.resolved, id)
			delete(m.byRequest, r.w.Request.ID)
			n++
		}
	}
	return n
}

// RunJanitor sweeps resolved windows every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("governance: evicted resolved windows", "count", n)
			}
		}
	}
}

// Shutdown stops accepting proposals and aborts open windows. Windows that
// are executing are given until ctx expires to receive their outcome.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*actor, 0, len(m.actors))
	for _, a := range m.actors {
		live = append(live, a)
	}
	m.mu.Unlock()

	for _, a := range live {
		a.post(command{kind: cmdShutdown})
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("governance: shutdown timed out", "open_windows", m.OpenWindows())
		return ctx.Err()
	}
}

func (m *Manager) profile(name string) notify.Profile {
	return m.cfg.Profiles[name]
}
