package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/pipeline"
	"github.com/ashita-ai/monban/internal/storage"
)

// decisionEvent is the compact payload published over LISTEN/NOTIFY.
// Postgres caps notification payloads at 8 KB, so the full decision
// stays in the decisions table and subscribers fetch it by id.
type decisionEvent struct {
	DecisionID string            `json:"decision_id"`
	AgentID    string            `json:"agent_id"`
	ActionKind model.ActionKind  `json:"action_kind"`
	Target     string            `json:"target"`
	Status     model.FinalStatus `json:"status"`
	ReasonCode string            `json:"reason_code,omitempty"`
	At         time.Time         `json:"at"`
}

// NotifyHook returns a pipeline hook that publishes decision lifecycle
// events over Postgres NOTIFY: awaiting_approval events on the approvals
// channel, terminal statuses on the decisions channel. Publish failures
// are logged and never affect the decision.
func NotifyHook(db *storage.DB, logger *slog.Logger) pipeline.Hook {
	return func(dec model.Decision) {
		payload, err := json.Marshal(decisionEvent{
			DecisionID: dec.ID.String(),
			AgentID:    dec.Request.AgentID,
			ActionKind: dec.Request.ActionKind,
			Target:     dec.Request.Target,
			Status:     dec.FinalStatus,
			ReasonCode: dec.ReasonCode,
			At:         time.Now().UTC(),
		})
		if err != nil {
			logger.Error("notify hook: marshal event", "decision_id", dec.ID, "error", err)
			return
		}

		channel := storage.ChannelDecisions
		if dec.FinalStatus == model.StatusAwaitingApproval {
			channel = storage.ChannelApprovals
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Notify(ctx, channel, string(payload)); err != nil {
			logger.Warn("notify hook: publish failed",
				"decision_id", dec.ID, "channel", channel, "error", err)
		}
	}
}
