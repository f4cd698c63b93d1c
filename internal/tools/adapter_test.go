package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForAgentAdaptsRegisteredTools(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubActor{name: "echo", schema: `{"type":"object"}`, execFn: func(ctx context.Context, args json.RawMessage) (string, error) {
		return "pong", nil
	}}))
	ex := NewExecutor(r, DefaultExecutorConfig())

	adapted := ForAgent(r, ex, "agent1")
	require.Len(t, adapted, 1)
	assert.Equal(t, "echo", adapted[0].Definition().Name)

	result, err := adapted[0].Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestForAgentPropagatesExecutionErrors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubActor{name: "failer", schema: `{"type":"object"}`, execFn: func(ctx context.Context, args json.RawMessage) (string, error) {
		return "", NewError(ErrExecution, "failer", "boom", nil)
	}}))
	ex := NewExecutor(r, DefaultExecutorConfig())

	adapted := ForAgent(r, ex, "agent1")
	require.Len(t, adapted, 1)

	_, err := adapted[0].Execute(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
}
