package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerDenylistBeatsAllowlist(t *testing.T) {
	checker := NewChecker(ApprovalPolicy{
		Allowlist: []string{"shell_*"},
		Denylist:  []string{"shell_rm"},
	}, nil)

	decision, _ := checker.Check(context.Background(), "agent1", "shell_rm")
	assert.Equal(t, Denied, decision)

	decision, _ = checker.Check(context.Background(), "agent1", "shell_ls")
	assert.Equal(t, Allowed, decision)
}

func TestCheckerDefaultsToAllowedWhenUnconfigured(t *testing.T) {
	checker := NewChecker(ApprovalPolicy{}, nil)
	decision, _ := checker.Check(context.Background(), "agent1", "anything")
	assert.Equal(t, Allowed, decision)
}

func TestCheckerPerAgentPolicyOverridesDefault(t *testing.T) {
	checker := NewChecker(ApprovalPolicy{DefaultDecision: Allowed}, nil)
	checker.SetAgentPolicy("locked-down", ApprovalPolicy{DefaultDecision: Denied})

	decision, _ := checker.Check(context.Background(), "locked-down", "anything")
	assert.Equal(t, Denied, decision)

	decision, _ = checker.Check(context.Background(), "other-agent", "anything")
	assert.Equal(t, Allowed, decision)
}

func TestCheckerResolvePendingRequest(t *testing.T) {
	store := NewMemoryStore()
	checker := NewChecker(DefaultApprovalPolicy(), store)

	req := &Request{ID: "req1", ToolName: "sensitive", AgentID: "agent1"}
	require.NoError(t, checker.RequestApproval(context.Background(), req))

	pending, err := store.ListPending(context.Background(), "agent1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, checker.Resolve(context.Background(), "req1", Allowed))

	resolved, err := store.Get(context.Background(), "req1")
	require.NoError(t, err)
	assert.Equal(t, Allowed, resolved.Decision)

	pending, err = store.ListPending(context.Background(), "agent1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
