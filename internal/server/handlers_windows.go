package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/model"
)

// HandlePropose handles POST /v1/decisions. The request id is the
// idempotency key for proposals: resubmitting it returns the existing window.
func (h *Handlers) HandlePropose(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.ProposeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, claims.Subject, "POST:/v1/decisions", req)
	if !proceed {
		return
	}

	requestID := uuid.New()
	if req.RequestID != nil {
		requestID = *req.RequestID
	}
	win, err := h.manager.Propose(r.Context(), model.DecisionRequest{
		ID:            requestID,
		AgentID:       claims.Subject,
		AgentType:     req.AgentType,
		OperationType: req.OperationType,
		Amount:        req.Amount,
		Confidence:    req.Confidence,
		EvidenceRef:   req.EvidenceRef,
		Payload:       req.Payload,
	})
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeGovernanceError(w, r, err)
		return
	}
	if win.Request.AgentID != claims.Subject {
		// Request ids are global; another agent's window is not ours to see.
		h.clearIdempotentWrite(r, idem)
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request_id already used by another agent")
		return
	}

	resp := model.ProposeResponse{
		WindowID:  win.ID,
		RequestID: win.Request.ID,
		State:     win.State,
		Mode:      win.Mode.Kind,
		Deadline:  win.Deadline,
	}
	h.completeIdempotentWriteBestEffort(r, idem, http.StatusCreated, resp)
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleAction handles POST /v1/windows/{window_id}/actions. The response
// always carries an ActionResult: 200 accepted, 409 already resolved,
// 422 rejected with a reason.
func (h *Handlers) HandleAction(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	windowID, err := parseWindowID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.HumanActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	endpoint := "POST:/v1/windows/" + windowID.String() + "/actions"
	idem, proceed := h.beginIdempotentWrite(w, r, claims.Subject, endpoint, req)
	if !proceed {
		return
	}

	res, err := h.manager.RecordAction(r.Context(), model.HumanAction{
		WindowID:        windowID,
		Action:          req.Action,
		OperatorID:      claims.Subject,
		Rationale:       req.Rationale,
		NetworkContext:  networkContext(r, h.trustProxy),
		ClientRequestID: idempotencyKey(r),
		Senior:          claims.Senior,
	})
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeGovernanceError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Status {
	case model.ActionAlreadyResolved:
		status = http.StatusConflict
	case model.ActionRejected:
		// Rejections are not recorded, so a retry must be processed afresh.
		h.clearIdempotentWrite(r, idem)
		writeJSON(w, r, http.StatusUnprocessableEntity, res)
		return
	}
	h.completeIdempotentWriteBestEffort(r, idem, status, res)
	writeJSON(w, r, status, res)
}

type ackResponse struct {
	WindowID  uuid.UUID `json:"window_id"`
	Cancelled int       `json:"cancelled_tiers"`
}

// HandleAcknowledge handles POST /v1/windows/{window_id}/ack. It silences
// the remaining reminder tiers without resolving the window.
func (h *Handlers) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	windowID, err := parseWindowID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	n, err := h.manager.Acknowledge(r.Context(), windowID, claims.Subject)
	if err != nil {
		h.writeGovernanceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ackResponse{WindowID: windowID, Cancelled: n})
}

// HandleStatus handles GET /v1/windows/{window_id}.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	windowID, err := parseWindowID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	win, err := h.manager.Status(r.Context(), windowID)
	if err != nil {
		h.writeGovernanceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, win)
}

// HandleAudit handles GET /v1/windows/{window_id}/audit.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	windowID, err := parseWindowID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	entries, err := h.manager.Audit(r.Context(), windowID)
	if err != nil {
		h.writeGovernanceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleVerify handles GET /v1/windows/{window_id}/verify.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	windowID, err := parseWindowID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.manager.Verify(r.Context(), windowID)
	if err != nil {
		h.writeGovernanceError(w, r, err)
		return
	}
	if !res.Valid {
		h.logger.Warn("audit chain verification failed",
			"window_id", windowID, "broken_at", res.BrokenAt, "reason", res.Reason)
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleExecution handles POST /v1/windows/{window_id}/execution, the
// callback through which an asynchronous executor reports its outcome.
// Duplicate success reports are acknowledged without a second commit.
func (h *Handlers) HandleExecution(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	windowID, err := parseWindowID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var rep model.ExecutionReport
	if err := decodeJSON(w, r, &rep, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	endpoint := "POST:/v1/windows/" + windowID.String() + "/execution"
	idem, proceed := h.beginIdempotentWrite(w, r, claims.Subject, endpoint, rep)
	if !proceed {
		return
	}

	res, err := h.manager.ReportExecution(r.Context(), windowID, rep)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		h.writeGovernanceError(w, r, err)
		return
	}

	status := http.StatusOK
	switch res.Status {
	case governance.CallbackPending:
		status = http.StatusAccepted
	case governance.CallbackIgnored:
		status = http.StatusConflict
	}
	h.logger.Info("execution callback", "window_id", windowID, "principal_id", claims.Subject,
		"success", rep.Success, "result", res.Status, "state", res.State)
	h.completeIdempotentWriteBestEffort(r, idem, status, res)
	writeJSON(w, r, status, res)
}
