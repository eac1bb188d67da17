package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/telemetry"
)

// ErrUnknownChannel is reported when a tier names a channel that is not registered.
var ErrUnknownChannel = errors.New("notify: unknown channel")

// RetryPolicy bounds per-tier send retries.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy retries up to five times at 1s, 2s, 4s, 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: time.Second, Max: 30 * time.Second}
}

// backoff returns the delay before the next attempt, doubling from Base and
// capped at Max.
func (r RetryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return r.Base
	}
	d := r.Base << attempt
	if d <= 0 || d > r.Max {
		return r.Max
	}
	return d
}

// TaskState is the lifecycle of a NotificationTask.
type TaskState string

const (
	TaskScheduled TaskState = "scheduled"
	TaskSending   TaskState = "sending"
	TaskRetrying  TaskState = "retrying"
	TaskDelivered TaskState = "delivered"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is a NotificationTask: one scheduled tier for one window.
type Task struct {
	WindowID    uuid.UUID
	Tier        string
	Channel     string
	Pool        string
	FireAt      time.Time
	AckDeadline *time.Time
	Attempts    int
	State       TaskState
}

type task struct {
	Task
	msg      Message
	priority Priority
	timer    clock.Timer
	group    *windowTasks
}

type windowTasks struct {
	cancelled bool
	tasks     []*task
}

// Dispatcher schedules and sends notifications. It is safe for concurrent use.
type Dispatcher struct {
	clock          clock.Clock
	logger         *slog.Logger
	channels       map[string]Channel
	defaultChannel string
	retry          RetryPolicy
	reporter       DeliveryReporter
	sendTimeout    time.Duration

	mu      sync.Mutex
	windows map[uuid.UUID]*windowTasks
	closed  bool

	inflight sync.WaitGroup

	sendCounter metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(r RetryPolicy) Option { return func(d *Dispatcher) { d.retry = r } }

// WithReporter installs the delivery reporter.
func WithReporter(r DeliveryReporter) Option { return func(d *Dispatcher) { d.reporter = r } }

// WithSendTimeout bounds each send attempt.
func WithSendTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.sendTimeout = t } }

// NewDispatcher returns a Dispatcher over channels. The first channel is the
// default for tiers that do not name one.
func NewDispatcher(clk clock.Clock, logger *slog.Logger, channels []Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clock:       clk,
		logger:      logger,
		channels:    make(map[string]Channel, len(channels)),
		retry:       DefaultRetryPolicy(),
		sendTimeout: 10 * time.Second,
		windows:     make(map[uuid.UUID]*windowTasks),
	}
	for i, c := range channels {
		if i == 0 {
			d.defaultChannel = c.Name()
		}
		d.channels[c.Name()] = c
	}
	for _, o := range opts {
		o(d)
	}
	meter := telemetry.Meter("kansa/notify")
	if c, err := meter.Int64Counter("kansa.notify.sends",
		metric.WithDescription("Notification send attempts by outcome")); err == nil {
		d.sendCounter = c
	}
	return d
}

// Dispatch schedules one task per tier of p for window w. Tiers that would
// fire at or after the window's deadline are skipped: the deadline itself
// resolves the window. Calling Dispatch again for the same window adds the
// new tiers alongside any still pending.
func (d *Dispatcher) Dispatch(w model.DecisionWindow, p Profile) []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}

	group, ok := d.windows[w.ID]
	if !ok || group.cancelled {
		group = &windowTasks{}
		d.windows[w.ID] = group
	}

	now := d.clock.Now()
	var out []Task
	for _, tier := range p.Tiers {
		fireAt := now.Add(tier.Offset)
		if w.Deadline != nil && !fireAt.Before(*w.Deadline) {
			continue
		}
		ch := tier.Channel
		if ch == "" {
			ch = d.defaultChannel
		}
		msg := buildMessage(w, p, tier, fireAt)
		t := &task{
			Task: Task{
				WindowID:    w.ID,
				Tier:        tier.Name,
				Channel:     ch,
				Pool:        tier.Pool,
				FireAt:      fireAt,
				AckDeadline: msg.AckBefore,
				State:       TaskScheduled,
			},
			msg:      msg,
			priority: p.Priority,
			group:    group,
		}
		group.tasks = append(group.tasks, t)
		t.timer = d.clock.AfterFunc(tier.Offset, func() { d.fire(t) })
		out = append(out, t.Task)
	}
	d.logger.Debug("notify: dispatched", "window_id", w.ID, "profile", p.Name, "tiers", len(out))
	return out
}

// fire performs one send attempt for t unless its window was cancelled.
func (d *Dispatcher) fire(t *task) {
	d.mu.Lock()
	if t.group.cancelled || d.closed || t.State == TaskCancelled {
		d.mu.Unlock()
		return
	}
	t.State = TaskSending
	t.Attempts++
	attempt := t.Attempts
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	err := d.send(t)
	now := d.clock.Now()

	d.mu.Lock()
	final := err == nil || attempt >= d.retry.MaxAttempts || t.group.cancelled || d.closed
	switch {
	case err == nil:
		t.State = TaskDelivered
	case final:
		t.State = TaskFailed
	default:
		t.State = TaskRetrying
		t.timer = d.clock.AfterFunc(d.retry.backoff(attempt-1), func() { d.fire(t) })
	}
	d.mu.Unlock()

	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		d.logger.Warn("notify: send failed",
			"window_id", t.WindowID, "tier", t.Tier, "channel", t.Channel, "attempt", attempt, "final", final, "error", err)
	}
	if d.sendCounter != nil {
		d.sendCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("channel", t.Channel), attribute.String("outcome", outcome)))
	}
	if d.reporter != nil {
		d.reporter(Delivery{
			WindowID: t.WindowID,
			Tier:     t.Tier,
			Channel:  t.Channel,
			Target:   t.Pool,
			Attempt:  attempt,
			Err:      err,
			Final:    final,
			At:       now,
		})
	}
}

func (d *Dispatcher) send(t *task) error {
	ch, ok := d.channels[t.Channel]
	if !ok {
		return ErrUnknownChannel
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	return ch.Send(ctx, t.Pool, t.msg, t.priority)
}

// CancelAll suppresses every pending tier and retry for a window. It is
// idempotent. A send already in progress completes, but nothing further
// fires. It returns the number of tasks that were still pending.
func (d *Dispatcher) CancelAll(windowID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	group, ok := d.windows[windowID]
	if !ok {
		return 0
	}
	delete(d.windows, windowID)
	group.cancelled = true
	return stopPending(group.tasks)
}

// Acknowledge records that an operator has seen the window's alerts, which
// discards the remaining tiers. The window itself stays open and later
// Dispatch calls (e.g. on escalation) schedule new tiers.
func (d *Dispatcher) Acknowledge(windowID uuid.UUID, operatorID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	group, ok := d.windows[windowID]
	if !ok {
		return 0
	}
	n := stopPending(group.tasks)
	group.tasks = nil
	if n > 0 {
		d.logger.Info("notify: alerts acknowledged", "window_id", windowID, "operator_id", operatorID, "discarded", n)
	}
	return n
}

func stopPending(tasks []*task) int {
	n := 0
	for _, t := range tasks {
		if t.State != TaskScheduled && t.State != TaskRetrying {
			continue
		}
		if t.timer != nil {
			t.timer.Stop()
		}
		t.State = TaskCancelled
		n++
	}
	return n
}

// Pending returns a snapshot of the window's tasks.
func (d *Dispatcher) Pending(windowID uuid.UUID) []Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	group, ok := d.windows[windowID]
	if !ok {
		return nil
	}
	out := make([]Task, 0, len(group.tasks))
	for _, t := range group.tasks {
		out = append(out, t.Task)
	}
	return out
}

// Close cancels every pending task and waits for in-flight sends, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	for id, group := range d.windows {
		group.cancelled = true
		stopPending(group.tasks)
		delete(d.windows, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("notify: close timed out waiting for in-flight sends")
	}
}
