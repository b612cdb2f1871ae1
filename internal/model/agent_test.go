package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/monban/internal/model"
)

func TestValidateAgentID_Valid(t *testing.T) {
	valid := []string{
		"agent",
		"planner-7",
		"agent.v2",
		"Agent_01",
		"user@example",
		"a",
		strings.Repeat("a", 255),
	}
	for _, id := range valid {
		require.NoError(t, model.ValidateAgentID(id), "expected valid: %q", id)
	}
}

func TestValidateAgentID_Invalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"empty", "", "agent_id is required"},
		{"too long", strings.Repeat("a", 256), "at most 255"},
		{"space", "has space", "invalid character"},
		{"slash", "path/agent", "invalid character"},
		{"unicode", "agené", "invalid character"},
		{"tab", "agent\t1", "invalid character"},
		{"newline", "agent\n1", "invalid character"},
		{"colon", "agent:1", "invalid character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateAgentID(tt.id)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRoleRank(t *testing.T) {
	tests := []struct {
		role model.AgentRole
		rank int
	}{
		{model.RoleAdmin, 4},
		{model.RoleApprover, 3},
		{model.RoleAgent, 2},
		{model.RoleReader, 1},
		{model.AgentRole("unknown"), 0},
		{model.AgentRole(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			got := model.RoleRank(tt.role)
			assert.Equal(t, tt.rank, got, "RoleRank(%q)", tt.role)
		})
	}

	// Verify strict ordering between adjacent roles.
	ordered := []model.AgentRole{
		model.RoleReader,
		model.RoleAgent,
		model.RoleApprover,
		model.RoleAdmin,
	}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.RoleRank(ordered[i]), model.RoleRank(ordered[i-1]),
			"%q should rank higher than %q", ordered[i], ordered[i-1])
	}
}

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		name    string
		role    model.AgentRole
		minRole model.AgentRole
		want    bool
	}{
		{"admin >= admin", model.RoleAdmin, model.RoleAdmin, true},
		{"reader >= reader", model.RoleReader, model.RoleReader, true},
		{"admin >= approver", model.RoleAdmin, model.RoleApprover, true},
		{"approver >= agent", model.RoleApprover, model.RoleAgent, true},
		{"admin >= reader", model.RoleAdmin, model.RoleReader, true},
		{"reader >= admin", model.RoleReader, model.RoleAdmin, false},
		{"agent >= approver", model.RoleAgent, model.RoleApprover, false},
		{"unknown >= reader", model.AgentRole("bogus"), model.RoleReader, false},
		{"reader >= unknown", model.RoleReader, model.AgentRole("bogus"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := model.RoleAtLeast(tt.role, tt.minRole)
			assert.Equal(t, tt.want, got)
		})
	}
}
