package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/envelope"
)

type stubActor struct {
	name           string
	schema         string
	requireSandbox bool
	timeout        time.Duration
	execFn         func(ctx context.Context, args json.RawMessage) (string, error)
}

func (s stubActor) Name() string { return s.name }

func (s stubActor) Definition() envelope.ToolDefinition {
	return envelope.ToolDefinition{Name: s.name, Description: "stub", InputSchema: json.RawMessage(s.schema)}
}

func (s stubActor) ValidateArgs(args json.RawMessage) error { return nil }

func (s stubActor) RequiresSandbox() bool { return s.requireSandbox }

func (s stubActor) Timeout() time.Duration {
	if s.timeout <= 0 {
		return time.Second
	}
	return s.timeout
}

func (s stubActor) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if s.execFn != nil {
		return s.execFn(ctx, args)
	}
	return "ok", nil
}

func TestRegisterCompilesSchemaAndRejectsInvalidArgs(t *testing.T) {
	r := NewRegistry()
	err := r.Register(stubActor{name: "adder", schema: `{"type":"object","required":["a","b"],"properties":{"a":{"type":"number"},"b":{"type":"number"}}}`})
	require.NoError(t, err)

	err = r.ValidateArgs("adder", json.RawMessage(`{"a":1}`))
	require.Error(t, err)
	assert.True(t, IsType(err, ErrValidation))

	err = r.ValidateArgs("adder", json.RawMessage(`{"a":1,"b":2}`))
	require.NoError(t, err)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(stubActor{name: "bad", schema: `{"type":"nonsense-type"`})
	require.Error(t, err)
}

func TestValidateArgsNotFound(t *testing.T) {
	r := NewRegistry()
	err := r.ValidateArgs("ghost", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, IsType(err, ErrNotFound))
}

func TestDefinitionsAndNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubActor{name: "a", schema: `{"type":"object"}`}))
	require.NoError(t, r.Register(stubActor{name: "b", schema: `{"type":"object"}`}))

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
	assert.Len(t, r.Definitions(), 2)
}

func TestUnregisterRemovesTool(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubActor{name: "a", schema: `{"type":"object"}`}))
	r.Unregister("a")

	_, ok := r.Get("a")
	assert.False(t, ok)
}
