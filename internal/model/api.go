package model

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Field length limits for caller-controlled strings.
const (
	MaxOperationTypeLen = 200
	MaxEvidenceRefLen   = 512
	MaxRationaleLen     = 4 * 1024
)

// ProposeRequest is the request body for POST /v1/decisions.
type ProposeRequest struct {
	RequestID     *uuid.UUID     `json:"request_id,omitempty"`
	AgentType     AgentType      `json:"agent_type"`
	OperationType string         `json:"operation_type"`
	Amount        float64        `json:"amount"`
	Confidence    float64        `json:"confidence"`
	EvidenceRef   string         `json:"evidence_ref,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ProposeResponse is the response for POST /v1/decisions.
type ProposeResponse struct {
	WindowID  uuid.UUID   `json:"window_id"`
	RequestID uuid.UUID   `json:"request_id"`
	State     WindowState `json:"state"`
	Mode      ModeKind    `json:"mode"`
	Deadline  *time.Time  `json:"deadline,omitempty"`
}

// HumanActionRequest is the request body for POST /v1/windows/{window_id}/actions.
type HumanActionRequest struct {
	Action    ActionType `json:"action"`
	Rationale string     `json:"rationale,omitempty"`
}

// ExecutionReport is the body of an executor callback.
type ExecutionReport struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Validate checks the free-text fields of a callback.
func (r ExecutionReport) Validate() error {
	if err := checkText("reference", r.Reference); err != nil {
		return err
	}
	if len(r.Reference) > MaxEvidenceRefLen {
		return &ValidationError{Field: "reference", Reason: fmt.Sprintf("exceeds maximum length of %d characters", MaxEvidenceRefLen)}
	}
	if err := checkText("reason", r.Reason); err != nil {
		return err
	}
	if len(r.Reason) > MaxRationaleLen {
		return &ValidationError{Field: "reason", Reason: "exceeds maximum length"}
	}
	return nil
}

// checkText rejects strings the audit store cannot hold: invalid UTF-8 and
// NUL bytes, which Postgres jsonb refuses.
func checkText(field, s string) error {
	if !utf8.ValidString(s) {
		return &ValidationError{Field: field, Reason: "must be valid UTF-8"}
	}
	if strings.IndexByte(s, 0) >= 0 {
		return &ValidationError{Field: field, Reason: "must not contain NUL characters"}
	}
	return nil
}

// checkPayload applies checkText to every key and string value in p.
func checkPayload(field string, v any) error {
	switch t := v.(type) {
	case string:
		return checkText(field, t)
	case map[string]any:
		for k, inner := range t {
			if err := checkText(field, k); err != nil {
				return err
			}
			if err := checkPayload(field, inner); err != nil {
				return err
			}
		}
	case []any:
		for _, inner := range t {
			if err := checkPayload(field, inner); err != nil {
				return err
			}
		}
	}
	return nil
}

// PolicyReloadRequest is the request body for POST /v1/admin/policy/reload.
// An empty body re-reads the configured policy file.
type PolicyReloadRequest struct {
	Table string `json:"table,omitempty"`
}

// AnonymizeRequest is the request body for POST /v1/admin/anonymize.
type AnonymizeRequest struct {
	OlderThanHours int `json:"older_than_hours"`
}

// ValidateDecisionRequest checks the shape of a proposed decision. Amounts
// must be finite and non-negative, confidence must lie in [0,1].
func ValidateDecisionRequest(r DecisionRequest) error {
	if r.ID == uuid.Nil {
		return &ValidationError{Field: "request_id", Reason: "is required"}
	}
	if err := ValidatePrincipalID(r.AgentID); err != nil {
		return &ValidationError{Field: "agent_id", Reason: err.Error()}
	}
	if !r.AgentType.Valid() {
		return &ValidationError{Field: "agent_type", Reason: fmt.Sprintf("unknown agent type %q", r.AgentType)}
	}
	if strings.TrimSpace(r.OperationType) == "" {
		return &ValidationError{Field: "operation_type", Reason: "is required"}
	}
	if err := checkText("operation_type", r.OperationType); err != nil {
		return err
	}
	if len(r.OperationType) > MaxOperationTypeLen {
		return &ValidationError{Field: "operation_type", Reason: fmt.Sprintf("exceeds maximum length of %d characters", MaxOperationTypeLen)}
	}
	if math.IsNaN(r.Amount) || math.IsInf(r.Amount, 0) || r.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must be a finite, non-negative number"}
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be within [0, 1]"}
	}
	if len(r.EvidenceRef) > MaxEvidenceRefLen {
		return &ValidationError{Field: "evidence_ref", Reason: fmt.Sprintf("exceeds maximum length of %d characters", MaxEvidenceRefLen)}
	}
	if err := checkText("evidence_ref", r.EvidenceRef); err != nil {
		return err
	}
	return checkPayload("payload", map[string]any(r.Payload))
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeUnavailable     = "DEPENDENCY_UNAVAILABLE"
	ErrCodeAlreadyResolved = "ALREADY_RESOLVED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	PrincipalID string `json:"principal_id"`
	APIKey      string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	Ledger       string `json:"ledger"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"` // "ok", "high", "critical"
	OpenWindows  int    `json:"open_windows"`
	PolicyVer    string `json:"policy_version"`
	Uptime       int64  `json:"uptime_seconds"`
}
