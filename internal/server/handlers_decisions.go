package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/approval"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/storage"
)

// HandleSubmitAction handles POST /v1/actions. The pipeline runs
// asynchronously: the response carries the minted decision id and the
// caller polls GET /v1/decisions/{decision_id}.
func (h *Handlers) HandleSubmitAction(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.SubmitActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	id, err := h.orch.Submit(r.Context(), model.Request{
		RawInput:   req.RawInput,
		ActionKind: req.ActionKind,
		Target:     req.Target,
		Parameters: req.Parameters,
		AgentID:    claims.AgentID,
	})
	switch {
	case errors.Is(err, pipeline.ErrSaturated):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "pipeline saturated, retry later")
		return
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to submit action", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.SubmitActionResponse{
		DecisionID: id.String(),
		Status:     model.StatusPending,
	})
}

// HandleGetDecision handles GET /v1/decisions/{decision_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parseDecisionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	dec, err := h.decisions.GetDecision(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, pipeline.ErrDecisionNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "failed to load decision", err)
		return
	}

	writeJSON(w, r, http.StatusOK, dec)
}

// HandleListDecisions handles GET /v1/decisions/recent with optional
// agent_id, status, action_kind, and target filters.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	q := r.URL.Query()

	decs, total, err := h.db.ListDecisions(r.Context(), storage.DecisionFilters{
		AgentID:    q.Get("agent_id"),
		Status:     model.FinalStatus(q.Get("status")),
		ActionKind: model.ActionKind(q.Get("action_kind")),
		Target:     q.Get("target"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list decisions", err)
		return
	}

	writeList(w, r, decs, total, limit, offset)
}

// HandleCancelDecision handles POST /v1/decisions/{decision_id}/cancel.
// Cancellation is only possible before simulation starts; past that the
// decision runs to its own terminal status.
func (h *Handlers) HandleCancelDecision(w http.ResponseWriter, r *http.Request) {
	id, err := parseDecisionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	err = h.orch.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrNotInFlight):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision is not in flight")
		return
	case errors.Is(err, pipeline.ErrNotCancellable):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "decision has passed the point of cancellation")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to cancel decision", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"decision_id": id.String(),
		"status":      model.StatusCancelled,
	})
}

// HandleSubmitAttestation handles POST /v1/decisions/{decision_id}/attestations.
// The statement must equal "approve:<decision_id>" and the signature must
// verify against the approver's registered Ed25519 key.
func (h *Handlers) HandleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	id, err := parseDecisionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SubmitAttestationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Approvers sign as themselves; only admins may relay another
	// approver's attestation.
	if req.ApproverID != claims.AgentID && claims.Role != model.RoleAdmin {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "approver_id does not match authenticated agent")
		return
	}

	sig, err := req.DecodeSignature()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	att := model.Attestation{
		DecisionID:  id,
		ApproverID:  req.ApproverID,
		Statement:   req.Statement,
		Signature:   sig,
		SubmittedAt: time.Now().UTC(),
	}

	err = h.gate.Submit(att)
	switch {
	case errors.Is(err, approval.ErrNotAwaitingApproval):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		return
	case errors.Is(err, approval.ErrStatementMismatch):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case errors.Is(err, approval.ErrSignatureInvalid):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, err.Error())
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to submit attestation", err)
		return
	}

	// The pipeline records the attestation on the decision itself; the
	// attestations table is a secondary index by approver. Best-effort.
	if h.db != nil {
		if err := h.db.InsertAttestation(r.Context(), att); err != nil {
			h.logger.Warn("failed to persist attestation row",
				"decision_id", id, "approver_id", att.ApproverID, "error", err)
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"decision_id": id.String(),
		"status":      model.StatusApproved,
	})
}

func parseDecisionID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("decision_id")
	if raw == "" {
		return uuid.Nil, errors.New("decision_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid decision_id: " + raw)
	}
	return id, nil
}
