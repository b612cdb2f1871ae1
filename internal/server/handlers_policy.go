package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/policy"
)

// HandleGetPolicy handles GET /v1/policy: the active snapshot as
// operators see it.
func (h *Handlers) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.policies.Current().View())
}

// HandleAddInvariant handles POST /v1/policy/invariants. The property is
// compiled before activation; a decision already past its policy check
// keeps the snapshot it captured.
func (h *Handlers) HandleAddInvariant(w http.ResponseWriter, r *http.Request) {
	var req model.AddInvariantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	inv := model.Invariant{
		ID:        req.ID,
		Name:      req.Name,
		Property:  req.Property,
		Domain:    req.Domain,
		Kinds:     req.Kinds,
		CreatedAt: time.Now().UTC(),
	}

	err := h.policies.AddInvariant(r.Context(), inv)
	switch {
	case errors.Is(err, policy.ErrDuplicateInvariant):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "invariant id already exists")
		return
	case err != nil:
		// Compile errors dominate here; surface them to the operator.
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	writeJSON(w, r, http.StatusCreated, inv)
}

// HandleRemoveInvariant handles DELETE /v1/policy/invariants/{invariant_id}.
func (h *Handlers) HandleRemoveInvariant(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("invariant_id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invariant_id is required")
		return
	}

	err := h.policies.RemoveInvariant(r.Context(), id)
	switch {
	case errors.Is(err, policy.ErrInvariantNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "invariant not found")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to remove invariant", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"invariant_id": id, "status": "removed"})
}

// HandleAddAllowlist handles POST /v1/policy/allowlist.
func (h *Handlers) HandleAddAllowlist(w http.ResponseWriter, r *http.Request) {
	h.handleAddListRule(w, r, "allow")
}

// HandleAddDenylist handles POST /v1/policy/denylist. Denylist membership
// beats allowlist membership at evaluation time.
func (h *Handlers) HandleAddDenylist(w http.ResponseWriter, r *http.Request) {
	h.handleAddListRule(w, r, "deny")
}

func (h *Handlers) handleAddListRule(w http.ResponseWriter, r *http.Request, list string) {
	var req model.ListRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var err error
	if list == "allow" {
		err = h.policies.AddAllowlist(r.Context(), req.Target)
	} else {
		err = h.policies.AddDenylist(r.Context(), req.Target)
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to add list rule", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]string{"list": list, "target": req.Target})
}

// HandleSetQuorum handles PUT /v1/policy/quorum. An empty kind sets the
// global default; a kind sets a per-kind override.
func (h *Handlers) HandleSetQuorum(w http.ResponseWriter, r *http.Request) {
	var req model.SetQuorumRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.policies.SetQuorum(r.Context(), req.Kind, req.Threshold); err != nil {
		h.writeInternalError(w, r, "failed to set quorum threshold", err)
		return
	}

	writeJSON(w, r, http.StatusOK, h.policies.Current().View())
}
