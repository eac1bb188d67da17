package kansa

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Executor performs the side-effecting action of an authorized window.
// When provided via WithExecutor, replaces the deferred executor that waits
// for the agent's execution callback. Execute must be idempotent per
// WindowID: it may be called again after a restart.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// Compensator is implemented by executors that can undo a partially applied
// action. Compensation is best effort; a failure leaves the window marked
// for manual resolution.
type Compensator interface {
	Compensate(ctx context.Context, windowID uuid.UUID, reason string) error
}

// EventHook receives every window event asynchronously.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hooks share one delivery queue; a hook that blocks delays the others and
// events are dropped once the queue is full. Failures are logged only.
type EventHook interface {
	OnWindowEvent(ctx context.Context, ev WindowEvent) error
}

// NotificationChannel delivers operator alerts, e.g. to a pager or chat
// system. Tiers address a channel by Name. A non-nil error from Send is
// retried on the dispatcher's backoff schedule.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, target string, n Notification) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the mux, auth chain and OTEL instrumentation with the
// built-in routes. The function is called once during New, after the
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides RBAC middleware for use in RouteRegistrar.
type AuthHelper interface {
	RequireRole(roles ...Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
