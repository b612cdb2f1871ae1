package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/monban/internal/model"
)

// HandleListAuditRecords handles GET /v1/audit with an optional
// decision_id filter. Records come back in chain order (ascending seq).
func (h *Handlers) HandleListAuditRecords(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	limit := queryLimit(r, 100)
	offset := queryOffset(r)

	var decisionID *uuid.UUID
	if raw := r.URL.Query().Get("decision_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision_id: "+raw)
			return
		}
		decisionID = &id
	}

	records, total, err := h.db.ListAuditRecords(r.Context(), decisionID, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list audit records", err)
		return
	}

	writeList(w, r, records, total, limit, offset)
}

// HandleAuditRoot handles GET /v1/audit/root: the current chain head.
func (h *Handlers) HandleAuditRoot(w http.ResponseWriter, r *http.Request) {
	hash, seq := h.recorder.RootHash()
	writeJSON(w, r, http.StatusOK, model.AuditRootResponse{
		RootHash: hash,
		Seq:      seq,
	})
}

// HandleListCheckpoints handles GET /v1/audit/checkpoints: persisted
// Merkle roots, newest first.
func (h *Handlers) HandleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	limit := queryLimit(r, 50)
	checkpoints, err := h.db.ListCheckpoints(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list checkpoints", err)
		return
	}

	writeJSON(w, r, http.StatusOK, checkpoints)
}
