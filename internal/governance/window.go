package governance

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/notify"
	"github.com/ashita-ai/kansa/internal/policy"
)

type cmdKind int

const (
	cmdAction cmdKind = iota
	cmdDeadline
	cmdRetry
	cmdExecResult
	cmdShutdown
)

type execResult struct {
	outcome ExecutionOutcome
	err     error
	source  string
}

type command struct {
	kind   cmdKind
	action model.HumanAction
	gen    uint64
	exec   execResult
	reply  chan reply
}

type reply struct {
	action   model.ActionResult
	callback CallbackResult
	err      error
}

type retryOp int

const (
	retryNone retryOp = iota
	retryExecute
	retryFinalize
	retryEscalate
)

const maxRetryDelay = 30 * time.Second

const auditUnavailable = "audit store unavailable; action not recorded, retry"

// finalStep is a terminal transition: one synchronous audit entry followed
// by one or more state changes.
type finalStep struct {
	typ     model.AuditEventType
	states  []model.WindowState
	actor   string // audit actor
	who     string // stream actor
	outcome model.Outcome
	payload map[string]any
	action  *model.Approval
}

// actor is the single writer for one window. Every field below snap is
// touched only by the actor goroutine, or by open before it starts.
type actor struct {
	m       *Manager
	id      uuid.UUID
	mailbox chan command
	done    chan struct{}
	snap    atomic.Pointer[model.DecisionWindow]

	w        model.DecisionWindow
	decision policy.Decision

	timer    clock.Timer
	timerGen uint64

	retry        retryOp
	retryCount   int
	retryActor   string
	pendingFinal *finalStep
	// resolving is set once the deadline has won the race but the
	// Executing entry is not yet durable.
	resolving bool
	finished  bool
	stopped   bool
}

func newActor(m *Manager, id uuid.UUID, req model.DecisionRequest) *actor {
	now := m.clock.Now()
	a := &actor{
		m:       m,
		id:      id,
		mailbox: make(chan command, m.cfg.MailboxSize),
		done:    make(chan struct{}),
		w: model.DecisionWindow{
			ID:        id,
			Request:   req,
			State:     model.StateProposed,
			OpenedAt:  now,
			UpdatedAt: now,
			Actions:   []model.Approval{},
		},
	}
	a.publishSnapshot()
	return a
}

func (a *actor) snapshot() model.DecisionWindow { return a.snap.Load().Clone() }

func (a *actor) publishSnapshot() {
	c := a.w.Clone()
	a.snap.Store(&c)
}

// post delivers cmd unless the actor has exited.
func (a *actor) post(cmd command) bool {
	select {
	case a.mailbox <- cmd:
		return true
	case <-a.done:
		return false
	}
}

// ask posts cmd and waits for the reply. It reports false if the actor
// exited before answering.
func (a *actor) ask(cmd command) (reply, bool) {
	cmd.reply = make(chan reply, 1)
	if !a.post(cmd) {
		return reply{}, false
	}
	select {
	case r := <-cmd.reply:
		return r, true
	case <-a.done:
		select {
		case r := <-cmd.reply:
			return r, true
		default:
			return reply{}, false
		}
	}
}

func (a *actor) run() {
	defer a.m.wg.Done()
	defer close(a.done)

	if a.w.State == model.StateAutoExecuting {
		if err := a.beginExecution(model.ActorPolicy, model.ActorPolicy, nil); err != nil {
			a.resolving = true
			a.retryActor = model.ActorPolicy
			a.scheduleRetry(retryExecute, err)
		}
	}
	for !a.finished && !a.stopped {
		a.handle(<-a.mailbox)
	}
}

func (a *actor) handle(cmd command) {
	switch cmd.kind {
	case cmdAction:
		cmd.reply <- reply{action: a.onAction(cmd.action)}
	case cmdDeadline:
		a.onDeadline(cmd.gen)
	case cmdRetry:
		a.onRetry(cmd.gen)
	case cmdExecResult:
		r := a.onExecResult(cmd.exec)
		if cmd.reply != nil {
			cmd.reply <- r
		}
	case cmdShutdown:
		a.onShutdown()
	}
}

func (a *actor) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.m.cfg.AppendTimeout)
}

func (a *actor) appendEntry(typ model.AuditEventType, who string, payload map[string]any, terminal bool, d ledger.Durability) error {
	ctx, cancel := a.opCtx()
	defer cancel()
	_, err := a.m.cfg.Ledger.Append(ctx, ledger.Event{
		WindowID:   a.id,
		Type:       typ,
		Payload:    payload,
		Actor:      who,
		Terminal:   terminal,
		OccurredAt: a.m.clock.Now(),
	}, d)
	return err
}

func (a *actor) emit(kind string, prior, next model.WindowState, who string, details map[string]any) {
	if a.m.cfg.Publisher == nil {
		return
	}
	a.m.cfg.Publisher.Publish(model.WindowEvent{
		Kind:       kind,
		WindowID:   a.id,
		PriorState: prior,
		NewState:   next,
		Actor:      who,
		At:         a.m.clock.Now(),
		Details:    details,
	})
}

// setState applies a lifecycle edge that has already been audited.
func (a *actor) setState(to model.WindowState, who string, details map[string]any) {
	from := a.w.State
	if !model.CanTransition(from, to) {
		a.m.logger.Error("governance: illegal transition ignored", "window_id", a.id, "from", from, "to", to)
		return
	}
	a.w.State = to
	a.w.UpdatedAt = a.m.clock.Now()
	a.publishSnapshot()
	if a.m.metrics.transitions != nil {
		a.m.metrics.transitions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(to))))
	}
	a.m.logger.Debug("governance: transition", "window_id", a.id, "from", from, "to", to, "actor", who)
	a.emit(model.EventTransition, from, to, who, details)
}

func (a *actor) persist() {
	ctx, cancel := a.opCtx()
	defer cancel()
	if err := a.m.cfg.Windows.SaveWindow(ctx, a.w.Clone()); err != nil {
		a.m.logger.Warn("governance: persist window snapshot failed", "window_id", a.id, "error", err)
	}
}

func (a *actor) armTimer(kind cmdKind, d time.Duration) {
	a.stopTimer()
	a.timerGen++
	gen := a.timerGen
	a.timer = a.m.clock.AfterFunc(d, func() {
		if !a.post(command{kind: kind, gen: gen}) {
			a.m.countLate("timer")
		}
	})
}

// stopTimer cancels the pending timer and invalidates any firing already
// queued in the mailbox.
func (a *actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

func (a *actor) dispatch(profile string) {
	if a.m.cfg.Notifier == nil {
		return
	}
	a.m.cfg.Notifier.Dispatch(a.w.Clone(), a.m.profile(profile))
}

func (a *actor) cancelNotifications() {
	if a.m.cfg.Notifier != nil {
		a.m.cfg.Notifier.CancelAll(a.id)
	}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// open runs the synchronous prefix of the lifecycle on the caller's
// goroutine, before the actor loop starts: Proposed, Evaluating, and the
// mode-specific open state.
func (a *actor) open(_ context.Context) error {
	req := a.w.Request
	a.m.cfg.Ledger.StartChain(a.id)

	if err := a.appendEntry(model.AuditProposed, model.ActorSystem, map[string]any{
		"request_id":     req.ID.String(),
		"agent_id":       req.AgentID,
		"agent_type":     string(req.AgentType),
		"operation_type": req.OperationType,
		"amount":         req.Amount,
		"confidence":     req.Confidence,
		"evidence_ref":   req.EvidenceRef,
		"payload":        req.Payload,
		"created_at":     formatTime(req.CreatedAt),
	}, false, ledger.Buffered); err != nil {
		return fmt.Errorf("governance: record proposal: %w", err)
	}
	a.emit(model.EventTransition, "", model.StateProposed, model.ActorSystem, nil)

	snap := a.m.cfg.Policy.Snapshot()
	version := ""
	if snap != nil {
		version = snap.Version()
	}
	if err := a.appendEntry(model.AuditEvaluating, model.ActorPolicy, map[string]any{
		"policy_version": version,
	}, false, ledger.Buffered); err != nil {
		return fmt.Errorf("governance: record evaluation: %w", err)
	}
	a.setState(model.StateEvaluating, model.ActorPolicy, nil)

	d, err := policy.Evaluate(snap, req, a.m.clock.Now())
	if err != nil {
		a.m.logger.Error("governance: policy could not classify request", "window_id", a.id, "request_id", req.ID, "error", err)
		return a.finalize(&finalStep{
			typ:     model.AuditPolicyError,
			states:  []model.WindowState{model.StateAborted},
			actor:   model.ActorPolicy,
			who:     model.ActorPolicy,
			outcome: model.Outcome{Kind: model.OutcomePolicyError, Reason: err.Error()},
			payload: map[string]any{
				"error":          err.Error(),
				"policy_version": version,
				"final_state":    string(model.StateAborted),
			},
		})
	}

	a.decision = d
	a.w.Mode = d.Mode
	a.w.PolicyVersion = d.PolicyVersion
	a.w.Retryable = d.Retryable

	now := a.m.clock.Now()
	payload := map[string]any{
		"mode":           string(d.Mode.Kind),
		"band":           d.Band,
		"policy_version": d.PolicyVersion,
		"off_hours":      d.OffHours,
		"reasons":        d.Reasons,
	}
	details := map[string]any{"mode": string(d.Mode.Kind)}

	switch d.Mode.Kind {
	case model.ModeFullAuto:
		if err := a.appendEntry(model.AuditAutoExecuting, model.ActorPolicy, payload, false, ledger.Buffered); err != nil {
			return fmt.Errorf("governance: record auto execution: %w", err)
		}
		a.setState(model.StateAutoExecuting, model.ActorPolicy, details)

	case model.ModeHumanOnTheLoop:
		deadline := now.Add(d.Mode.Timeout)
		payload["timeout_seconds"] = d.Mode.Timeout.Seconds()
		payload["deadline"] = formatTime(deadline)
		if err := a.appendEntry(model.AuditVetoWindowOpen, model.ActorPolicy, payload, false, ledger.Buffered); err != nil {
			return fmt.Errorf("governance: record veto window: %w", err)
		}
		a.w.Deadline = &deadline
		details["deadline"] = formatTime(deadline)
		a.setState(model.StateVetoWindowOpen, model.ActorPolicy, details)
		a.armTimer(cmdDeadline, d.Mode.Timeout)
		a.dispatch(notify.ProfileStandard)

	default:
		payload["required_approvers"] = d.Mode.RequiredApprovers
		var deadline *time.Time
		if d.Mode.SLA > 0 {
			dl := now.Add(d.Mode.SLA)
			deadline = &dl
			payload["sla_seconds"] = d.Mode.SLA.Seconds()
			payload["deadline"] = formatTime(dl)
			details["deadline"] = formatTime(dl)
		}
		if err := a.appendEntry(model.AuditAwaitingAuthorization, model.ActorPolicy, payload, false, ledger.Buffered); err != nil {
			return fmt.Errorf("governance: record authorization request: %w", err)
		}
		a.w.Deadline = deadline
		details["required_approvers"] = d.Mode.RequiredApprovers
		a.setState(model.StateAwaitingAuthorization, model.ActorPolicy, details)
		if deadline != nil {
			a.armTimer(cmdDeadline, d.Mode.SLA)
		}
		a.dispatch(notify.ProfileUrgent)
	}

	a.persist()
	return nil
}

// finalize writes a terminal entry synchronously and, only once it is
// durable, applies the terminal states.
func (a *actor) finalize(step *finalStep) error {
	step.outcome.At = a.m.clock.Now()
	if err := a.appendEntry(step.typ, step.actor, step.payload, true, ledger.Sync); err != nil {
		return err
	}
	if step.action != nil {
		a.w.Actions = append(a.w.Actions, *step.action)
	}
	o := step.outcome
	a.w.Outcome = &o
	for _, s := range step.states {
		a.setState(s, step.who, map[string]any{"outcome": string(o.Kind)})
	}
	a.finish()
	return nil
}

func (a *actor) finish() {
	a.finished = true
	a.pendingFinal = nil
	a.retry = retryNone
	a.resolving = false
	a.stopTimer()
	a.cancelNotifications()
	a.persist()
	a.m.retire(a)
}

// beginExecution audits the Executing entry synchronously, then invokes the
// executor. On error nothing has changed and the executor was not called.
func (a *actor) beginExecution(auditActor, who string, approval *model.Approval) error {
	payload := map[string]any{"triggered_by": auditActor}
	if approval != nil {
		payload["operator_id"] = approval.OperatorID
		payload["network_context"] = approval.NetworkContext
		payload["action"] = string(approval.Action)
		payload["approvals"] = a.w.ApprovalCount() + boolInt(approval.Action == model.ActionApprove)
		if approval.Rationale != "" {
			payload["rationale"] = approval.Rationale
		}
	}
	if err := a.appendEntry(model.AuditExecuting, auditActor, payload, false, ledger.Sync); err != nil {
		return err
	}
	if approval != nil {
		a.w.Actions = append(a.w.Actions, *approval)
	}
	a.stopTimer()
	a.resolving = false
	a.retry = retryNone
	a.retryCount = 0
	a.cancelNotifications()
	a.setState(model.StateExecuting, who, map[string]any{"triggered_by": auditActor})
	a.persist()
	a.launchExecutor()
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (a *actor) launchExecutor() {
	req := ExecutionRequest{
		WindowID:      a.id,
		RequestID:     a.w.Request.ID,
		AgentID:       a.w.Request.AgentID,
		OperationType: a.w.Request.OperationType,
		Amount:        a.w.Request.Amount,
		Payload:       a.w.Request.Payload,
	}
	exec := a.m.cfg.Executor
	timeout := a.m.cfg.ExecuteTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		out, err := exec.Execute(ctx, req)
		a.post(command{kind: cmdExecResult, exec: execResult{outcome: out, err: err, source: model.ActorExecutor}})
	}()
}

func (a *actor) onAction(act model.HumanAction) model.ActionResult {
	if a.resolving || a.w.State.Resolved() {
		a.m.countLate("action")
		return alreadyResolved(a.w)
	}
	reject := func(reason string) model.ActionResult {
		a.m.logger.Info("governance: action rejected",
			"window_id", a.id, "operator_id", act.OperatorID, "action", act.Action, "reason", reason)
		return model.ActionResult{Status: model.ActionRejected, Reason: reason, State: a.w.State, WindowID: a.id}
	}
	approval := model.Approval{
		OperatorID:     act.OperatorID,
		Action:         act.Action,
		Rationale:      act.Rationale,
		NetworkContext: act.NetworkContext,
		At:             act.At,
	}
	needsRationale := a.decision.RationaleRequired && strings.TrimSpace(act.Rationale) == ""

	switch a.w.State {
	case model.StateVetoWindowOpen:
		switch act.Action {
		case model.ActionVeto:
			if err := a.finalize(a.humanStop(model.AuditVetoed, model.StateVetoed, model.OutcomeVetoed, approval)); err != nil {
				return reject(auditUnavailable)
			}
		case model.ActionConfirm:
			if needsRationale {
				return reject("rationale is required by policy")
			}
			if err := a.beginExecution(model.ActorOperator, act.OperatorID, &approval); err != nil {
				return reject(auditUnavailable)
			}
		default:
			return reject(fmt.Sprintf("%s is not valid while a veto window is open; use veto or confirm", act.Action))
		}

	case model.StateAwaitingAuthorization, model.StateEscalated:
		if a.w.EscalationLevel > 0 && !act.Senior {
			return reject("window is escalated; only the senior reviewer pool may approve or reject")
		}
		switch act.Action {
		case model.ActionReject:
			if err := a.finalize(a.humanStop(model.AuditRejected, model.StateRejected, model.OutcomeRejected, approval)); err != nil {
				return reject(auditUnavailable)
			}
		case model.ActionApprove:
			if needsRationale {
				return reject("rationale is required by policy")
			}
			if reason := a.checkApprover(act); reason != "" {
				return reject(reason)
			}
			required := a.w.Mode.RequiredApprovers
			if required < 1 {
				required = 1
			}
			if a.w.ApprovalCount()+1 >= required {
				if err := a.beginExecution(model.ActorOperator, act.OperatorID, &approval); err != nil {
					return reject(auditUnavailable)
				}
				break
			}
			if err := a.recordApproval(approval, required); err != nil {
				return reject(auditUnavailable)
			}
		default:
			return reject(fmt.Sprintf("%s is not valid while awaiting authorization; use approve or reject", act.Action))
		}

	default:
		return alreadyResolved(a.w)
	}
	return model.ActionResult{Status: model.ActionAccepted, State: a.w.State, WindowID: a.id}
}

// humanStop builds the terminal step for a veto or rejection. The single
// audit entry carries the final aborted state.
func (a *actor) humanStop(typ model.AuditEventType, state model.WindowState, kind model.OutcomeKind, ap model.Approval) *finalStep {
	return &finalStep{
		typ:    typ,
		states: []model.WindowState{state, model.StateAborted},
		actor:  model.ActorOperator,
		who:    ap.OperatorID,
		action: &ap,
		outcome: model.Outcome{
			Kind:      kind,
			Reason:    ap.Rationale,
			Retryable: a.decision.Retryable,
		},
		payload: map[string]any{
			"operator_id":     ap.OperatorID,
			"network_context": ap.NetworkContext,
			"rationale":       ap.Rationale,
			"retryable":       a.decision.Retryable,
			"final_state":     string(model.StateAborted),
		},
	}
}

// checkApprover enforces distinct approvers and, for dual control, that
// every approver after the first comes from a different network context.
func (a *actor) checkApprover(act model.HumanAction) string {
	var first *model.Approval
	for i := range a.w.Actions {
		prior := a.w.Actions[i]
		if prior.Action != model.ActionApprove {
			continue
		}
		if first == nil {
			first = &a.w.Actions[i]
		}
		if prior.OperatorID == act.OperatorID {
			return "operator has already approved this window; a distinct approver is required"
		}
	}
	if a.w.Mode.Kind != model.ModeDualControl {
		return ""
	}
	if act.NetworkContext == "" {
		return "dual control approvals require a verified network context"
	}
	if first != nil && first.NetworkContext == act.NetworkContext {
		return "dual control approvers must come from a different network context than the first approver"
	}
	return ""
}

func (a *actor) recordApproval(ap model.Approval, required int) error {
	count := a.w.ApprovalCount() + 1
	payload := map[string]any{
		"operator_id":        ap.OperatorID,
		"network_context":    ap.NetworkContext,
		"approvals":          count,
		"required_approvers": required,
	}
	if ap.Rationale != "" {
		payload["rationale"] = ap.Rationale
	}
	if err := a.appendEntry(model.AuditApprovalRecorded, model.ActorOperator, payload, false, ledger.Buffered); err != nil {
		return err
	}
	a.w.Actions = append(a.w.Actions, ap)
	a.w.UpdatedAt = a.m.clock.Now()
	a.publishSnapshot()
	a.persist()
	a.emit(model.EventApproval, a.w.State, a.w.State, ap.OperatorID, map[string]any{
		"approvals":          count,
		"required_approvers": required,
	})
	return nil
}

func (a *actor) onDeadline(gen uint64) {
	if gen != a.timerGen || a.resolving || a.w.State.Resolved() {
		a.m.countLate("timer")
		a.m.logger.Debug("governance: timer lost race", "window_id", a.id, "state", a.w.State)
		return
	}
	a.timer = nil
	switch a.w.State {
	case model.StateVetoWindowOpen:
		a.resolving = true
		if err := a.beginExecution(model.ActorTimer, model.ActorTimer, nil); err != nil {
			a.retryActor = model.ActorTimer
			a.scheduleRetry(retryExecute, err)
		}
	case model.StateAwaitingAuthorization, model.StateEscalated:
		a.escalate()
	}
}

// escalate promotes the window to the next tier, or aborts it for manual
// resolution once the tiers are exhausted.
func (a *actor) escalate() {
	approvals := a.w.ApprovalCount()
	if a.w.EscalationLevel >= a.decision.MaxEscalation {
		step := &finalStep{
			typ:    model.AuditAborted,
			states: []model.WindowState{model.StateAborted},
			actor:  model.ActorTimer,
			who:    model.ActorTimer,
			outcome: model.Outcome{
				Kind:                     model.OutcomeEscalationCap,
				Reason:                   "escalation tiers exhausted without quorum",
				ManualResolutionRequired: true,
			},
			payload: map[string]any{
				"escalation_level":           a.w.EscalationLevel,
				"approvals":                  approvals,
				"manual_resolution_required": true,
				"final_state":                string(model.StateAborted),
			},
		}
		if err := a.finalize(step); err != nil {
			a.pendingFinal = step
			a.scheduleRetry(retryFinalize, err)
		}
		return
	}

	level := a.w.EscalationLevel + 1
	sla := a.decision.EscalationSLA
	payload := map[string]any{
		"escalation_level":   level,
		"approvals":          approvals,
		"required_approvers": a.w.Mode.RequiredApprovers,
		"pool":               "senior_reviewers",
	}
	var deadline *time.Time
	if sla > 0 {
		dl := a.m.clock.Now().Add(sla)
		deadline = &dl
		payload["deadline"] = formatTime(dl)
	}
	if err := a.appendEntry(model.AuditEscalated, model.ActorTimer, payload, false, ledger.Buffered); err != nil {
		a.scheduleRetry(retryEscalate, err)
		return
	}
	a.retry = retryNone
	a.retryCount = 0
	a.w.EscalationLevel = level
	a.w.Deadline = deadline
	a.setState(model.StateEscalated, model.ActorTimer, map[string]any{"escalation_level": level})
	a.emit(model.EventEscalation, model.StateEscalated, model.StateEscalated, model.ActorTimer, map[string]any{
		"escalation_level": level,
		"max_tiers":        a.decision.MaxEscalation,
	})
	if deadline != nil {
		a.armTimer(cmdDeadline, sla)
	}
	a.cancelNotifications()
	a.dispatch(notify.ProfileEscalation)
	a.persist()
}

func (a *actor) scheduleRetry(op retryOp, cause error) {
	delay := a.m.cfg.RetryDelay << min(a.retryCount, 6)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	a.retry = op
	a.retryCount++
	a.m.logger.Warn("governance: audit write failed, will retry",
		"window_id", a.id, "state", a.w.State, "attempt", a.retryCount, "retry_in", delay, "error", cause)
	a.armTimer(cmdRetry, delay)
}

func (a *actor) onRetry(gen uint64) {
	if gen != a.timerGen {
		return
	}
	a.timer = nil
	switch a.retry {
	case retryExecute:
		if a.w.State != model.StateVetoWindowOpen && a.w.State != model.StateAutoExecuting {
			return
		}
		if err := a.beginExecution(a.retryActor, a.retryActor, nil); err != nil {
			a.scheduleRetry(retryExecute, err)
		}
	case retryFinalize:
		if a.pendingFinal == nil {
			return
		}
		if err := a.finalize(a.pendingFinal); err != nil {
			a.scheduleRetry(retryFinalize, err)
		}
	case retryEscalate:
		a.escalate()
	}
}

func (a *actor) onExecResult(r execResult) reply {
	success := r.err == nil && r.outcome.Success
	if a.w.State != model.StateExecuting || a.pendingFinal != nil {
		if success && (a.w.State == model.StateCommitted ||
			(a.pendingFinal != nil && a.pendingFinal.outcome.Kind == model.OutcomeCommitted)) {
			return reply{callback: CallbackResult{Status: CallbackDuplicate, State: a.w.State}}
		}
		return reply{callback: CallbackResult{Status: CallbackIgnored, State: a.w.State}}
	}
	if r.err == nil && r.outcome.Pending {
		a.m.logger.Debug("governance: execution pending callback", "window_id", a.id)
		return reply{callback: CallbackResult{Status: CallbackPending, State: a.w.State}}
	}

	var step *finalStep
	if success {
		step = &finalStep{
			typ:     model.AuditCommitted,
			states:  []model.WindowState{model.StateCommitted},
			actor:   model.ActorExecutor,
			who:     model.ActorExecutor,
			outcome: model.Outcome{Kind: model.OutcomeCommitted, Reference: r.outcome.Reference},
			payload: map[string]any{
				"reference":   r.outcome.Reference,
				"source":      r.source,
				"final_state": string(model.StateCommitted),
			},
		}
	} else {
		reason := r.outcome.Reason
		if r.err != nil {
			reason = r.err.Error()
		}
		if reason == "" {
			reason = "executor reported failure"
		}
		step = a.rollbackStep(reason, r.source)
	}
	if a.m.metrics.executions != nil {
		a.m.metrics.executions.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("success", success)))
	}

	if err := a.finalize(step); err != nil {
		a.pendingFinal = step
		a.scheduleRetry(retryFinalize, err)
		return reply{callback: CallbackResult{Status: CallbackPending, State: a.w.State}, err: err}
	}
	return reply{callback: CallbackResult{Status: CallbackRecorded, State: a.w.State}}
}

// rollbackStep attempts compensation, best effort and bounded, and builds
// the RolledBack step regardless of its result.
func (a *actor) rollbackStep(reason, source string) *finalStep {
	outcome := model.Outcome{Kind: model.OutcomeRolledBack, Reason: reason, Retryable: a.decision.Retryable}
	payload := map[string]any{
		"reason":      reason,
		"source":      source,
		"final_state": string(model.StateRolledBack),
	}
	if comp, ok := a.m.cfg.Executor.(Compensator); ok {
		ctx, cancel := context.WithTimeout(context.Background(), a.m.cfg.CompensateTimeout)
		err := comp.Compensate(ctx, a.id, reason)
		cancel()
		outcome.CompensationAttempted = true
		payload["compensation_attempted"] = true
		if err != nil {
			outcome.CompensationError = err.Error()
			outcome.ManualResolutionRequired = true
			payload["compensation_error"] = err.Error()
			a.m.logger.Warn("governance: compensation failed", "window_id", a.id, "error", err)
		}
	}
	a.m.logger.Warn("governance: execution failed, rolling back", "window_id", a.id, "reason", reason)
	return &finalStep{
		typ:     model.AuditRolledBack,
		states:  []model.WindowState{model.StateRolledBack},
		actor:   model.ActorExecutor,
		who:     model.ActorExecutor,
		outcome: outcome,
		payload: payload,
	}
}

func (a *actor) onShutdown() {
	if a.w.State == model.StateExecuting {
		return
	}
	err := a.finalize(&finalStep{
		typ:    model.AuditAborted,
		states: []model.WindowState{model.StateAborted},
		actor:  model.ActorSystem,
		who:    model.ActorSystem,
		outcome: model.Outcome{
			Kind:      model.OutcomeShutdown,
			Reason:    "governance core shutting down",
			Retryable: true,
		},
		payload: map[string]any{
			"reason":      "shutdown",
			"retryable":   true,
			"final_state": string(model.StateAborted),
		},
	})
	if err != nil {
		a.m.logger.Error("governance: could not record shutdown abort", "window_id", a.id, "error", err)
		a.stopTimer()
		a.stopped = true
	}
}
