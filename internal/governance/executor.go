package governance

import (
	"context"

	"github.com/google/uuid"
)

// ExecutionRequest is handed to the Executor once a window is allowed to act.
type ExecutionRequest struct {
	WindowID      uuid.UUID      `json:"window_id"`
	RequestID     uuid.UUID      `json:"request_id"`
	AgentID       string         `json:"agent_id"`
	OperationType string         `json:"operation_type"`
	Amount        float64        `json:"amount"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ExecutionOutcome is the executor's answer. Pending means the executor has
// accepted the work and will report the result later through
// Manager.ReportExecution.
type ExecutionOutcome struct {
	Success   bool
	Pending   bool
	Reference string
	Reason    string
}

// Executor performs the side-effecting action. It must be idempotent per
// WindowID: the manager may call it again after a crash and tolerates
// duplicate success reports.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionOutcome, error)
}

// Compensator is implemented by executors that can undo a partially applied
// action. Compensation is best effort.
type Compensator interface {
	Compensate(ctx context.Context, windowID uuid.UUID, reason string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (ExecutionOutcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (ExecutionOutcome, error) {
	return f(ctx, req)
}

// DeferredExecutor acknowledges every request as pending. It is used when the
// executing system reports results back through the callback route.
type DeferredExecutor struct{}

func (DeferredExecutor) Execute(context.Context, ExecutionRequest) (ExecutionOutcome, error) {
	return ExecutionOutcome{Pending: true}, nil
}
