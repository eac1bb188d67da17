package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/policy"
)

type policyReloadResponse struct {
	Version string `json:"version"`
	Digest  string `json:"digest"`
	Changed bool   `json:"changed"`
}

// HandlePolicyReload handles POST /v1/admin/policy/reload (admin-only).
// The body may carry a YAML table; an empty body re-reads the policy file.
// The reload is recorded on the system audit chain before it takes effect.
func (h *Handlers) HandlePolicyReload(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.PolicyReloadRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
			handleDecodeError(w, r, err)
			return
		}
	}

	var (
		table policy.Table
		err   error
	)
	switch {
	case req.Table != "":
		table, err = policy.Parse([]byte(req.Table))
	case h.policyFile != "":
		table, err = policy.LoadFile(h.policyFile)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"table is required when no policy file is configured")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	before := h.policy.Snapshot()
	snap, err := h.policy.Reload(r.Context(), table, claims.Subject)
	switch {
	case errors.Is(err, policy.ErrInvalidTable):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil:
		h.writeGovernanceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, policyReloadResponse{
		Version: snap.Version(),
		Digest:  snap.Digest(),
		Changed: before == nil || before.Digest() != snap.Digest(),
	})
}

type anonymizeResponse struct {
	Redacted int       `json:"redacted"`
	Cutoff   time.Time `json:"cutoff"`
}

// HandleAnonymize handles POST /v1/admin/anonymize (admin-only). Operator
// identifiers in entries older than the requested age are redacted; the
// entries themselves are kept and their chains still verify.
func (h *Handlers) HandleAnonymize(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.AnonymizeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.OlderThanHours <= 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "older_than_hours must be positive")
		return
	}

	retention := time.Duration(req.OlderThanHours) * time.Hour
	cutoff := time.Now().UTC().Add(-retention)
	n, err := h.ledger.Anonymize(r.Context(), retention, claims.Subject)
	if err != nil {
		h.writeGovernanceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, anonymizeResponse{Redacted: n, Cutoff: cutoff})
}

// HandleCheckpoint handles POST /v1/admin/checkpoint (admin-only). It
// returns 204 when nothing was written since the previous checkpoint.
func (h *Handlers) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.ledger.Checkpoint(r.Context())
	if err != nil {
		if cp != nil && ledger.IsUnavailable(err) {
			// The checkpoint row exists but its audit entry did not land.
			h.logger.Warn("checkpoint recorded without audit entry", "checkpoint_id", cp.ID, "error", err)
		}
		h.writeGovernanceError(w, r, err)
		return
	}
	if cp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, r, http.StatusCreated, cp)
}
