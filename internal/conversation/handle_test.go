package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/bus"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/kernel"
	"github.com/relaykit/agentcore/internal/llm"
)

func newHandleTestKernel(t *testing.T) (*kernel.Kernel, *Handle) {
	t.Helper()
	b := bus.New(16)
	k, err := kernel.New(kernel.Config{MaxAgents: 10}, b, nil)
	require.NoError(t, err)

	c := newTestConversation(t, [][]llm.StreamEvent{{
		{Kind: llm.EventStart}, {Kind: llm.EventToken, Text: "pong"}, {Kind: llm.EventEnd, StopReason: envelope.StopEndTurn},
	}}, Config{})
	h := NewHandle(c)
	require.NoError(t, k.SpawnAgent(h))
	return k, h
}

func TestHandleDeliverRoutesStringPayloadToSend(t *testing.T) {
	k, h := newHandleTestKernel(t)

	err := k.RouteMessage(context.Background(), kernel.RoutedMessage{To: h.ID(), Payload: "ping"})
	require.NoError(t, err)

	history := h.conv.History()
	require.Len(t, history, 2)
	assert.Equal(t, "ping", history[0].Content)
	assert.Equal(t, "pong", history[1].Content)
	assert.Equal(t, kernel.StatusIdle, h.Status())
}

func TestHandleDeliverRejectsNonStringPayload(t *testing.T) {
	_, h := newHandleTestKernel(t)

	err := h.Deliver(context.Background(), kernel.RoutedMessage{To: h.ID(), Payload: 42})
	assert.Error(t, err)
}

func TestHandleStopStopsConversationOnce(t *testing.T) {
	k, h := newHandleTestKernel(t)
	k.StopAgent(h.ID(), "shutdown")
	assert.Equal(t, kernel.StatusStopping, h.Status())

	// second Stop must not panic on an already-closed done channel.
	h.Stop("again")
}
