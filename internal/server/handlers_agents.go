package server

import (
	"crypto/ed25519"
	"errors"
	"net/http"

	"github.com/ashita-ai/monban/internal/auth"
	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/storage"
)

// HandleCreateAgent handles POST /v1/agents (admin only). Approver keys
// are registered with the live attestation verifier as well as persisted,
// so new approvers can sign without a restart.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	pubKey, err := req.DecodePublicKey()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if pubKey != nil && len(pubKey) != ed25519.PublicKeySize {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "public_key must be a raw 32-byte Ed25519 key")
		return
	}

	agent := model.Agent{
		AgentID:   req.AgentID,
		Name:      req.Name,
		Role:      req.Role,
		PublicKey: pubKey,
	}
	if req.APIKey != "" {
		hash, err := auth.HashAPIKey(req.APIKey)
		if err != nil {
			h.writeInternalError(w, r, "failed to hash api key", err)
			return
		}
		agent.APIKeyHash = &hash
	}

	created, err := h.db.CreateAgent(r.Context(), agent)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "agent_id already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create agent", err)
		return
	}

	if h.verifier != nil && created.Role == model.RoleApprover && pubKey != nil {
		h.verifier.Register(created.AgentID, ed25519.PublicKey(pubKey))
	}

	h.logger.Info("agent created", "agent_id", created.AgentID, "role", created.Role)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListAgents handles GET /v1/agents (admin only), with an optional
// role filter.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	role := model.AgentRole(r.URL.Query().Get("role"))
	agents, err := h.db.ListAgents(r.Context(), role)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}

	writeJSON(w, r, http.StatusOK, agents)
}

// HandleDeleteAgent handles DELETE /v1/agents/{agent_id} (admin only).
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w, r) {
		return
	}

	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	claims := ClaimsFromContext(r.Context())
	if claims != nil && claims.AgentID == agentID {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "cannot delete your own identity")
		return
	}

	if err := h.db.DeleteAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete agent", err)
		return
	}

	h.logger.Info("agent deleted", "agent_id", agentID)
	writeJSON(w, r, http.StatusOK, map[string]string{"agent_id": agentID, "status": "deleted"})
}
