package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/llm/ratelimit"
	"github.com/relaykit/agentcore/internal/retry"
)

type scriptedProvider struct {
	name     string
	scripts  [][]StreamEvent
	call     int
	sendErrs []error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Send(ctx context.Context, req envelope.LLMRequest) (NonStreamingResult, error) {
	return NonStreamingResult{}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req envelope.LLMRequest) (<-chan StreamEvent, error) {
	idx := p.call
	p.call++
	if idx < len(p.sendErrs) && p.sendErrs[idx] != nil {
		return nil, p.sendErrs[idx]
	}
	script := p.scripts[idx]
	ch := make(chan StreamEvent, len(script))
	for _, e := range script {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func permissiveLimiter() ratelimit.Config {
	return ratelimit.Config{RPM: 1000, TPM: 1000000, QueueWhenLimited: true, MaxQueueSize: 10}
}

func TestActorDispatchSimpleTurn(t *testing.T) {
	sink := &recordingSink{}
	provider := &scriptedProvider{
		name: "fake",
		scripts: [][]StreamEvent{{
			{Kind: EventStart},
			{Kind: EventToken, Text: "po"},
			{Kind: EventToken, Text: "ng"},
			{Kind: EventEnd, StopReason: envelope.StopEndTurn},
		}},
	}
	actor := NewActor(provider, permissiveLimiter(), retry.Config{MaxAttempts: 1}, sink)

	req := envelope.LLMRequest{CorrelationID: ids.NewCorrelation(), AgentID: ids.NewAgent(), Messages: []envelope.Message{envelope.NewUserMessage("ping")}}
	result, err := actor.Dispatch(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "pong", result.Content)
	assert.Equal(t, envelope.StopEndTurn, result.StopReason)

	var starts, ends int
	for _, e := range sink.events {
		switch e.(type) {
		case envelope.LLMStreamStart:
			starts++
		case envelope.LLMStreamEnd:
			ends++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
}

func TestActorDispatchRetriesRetriableStreamError(t *testing.T) {
	sink := &recordingSink{}
	provider := &scriptedProvider{
		name: "fake",
		sendErrs: []error{
			NewError(ErrNetwork, "connection reset", nil),
			nil,
		},
		scripts: [][]StreamEvent{
			nil,
			{
				{Kind: EventStart},
				{Kind: EventToken, Text: "ok"},
				{Kind: EventEnd, StopReason: envelope.StopEndTurn},
			},
		},
	}
	actor := NewActor(provider, permissiveLimiter(), retry.Config{MaxAttempts: 3, Policy: retry.DefaultConfig().Policy}, sink)
	req := envelope.LLMRequest{CorrelationID: ids.NewCorrelation(), AgentID: ids.NewAgent()}

	result, err := actor.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 2, provider.call)
}

func TestActorDispatchStopsOnTerminalError(t *testing.T) {
	sink := &recordingSink{}
	provider := &scriptedProvider{
		name:     "fake",
		sendErrs: []error{NewError(ErrAuthentication, "bad key", nil)},
		scripts:  [][]StreamEvent{nil},
	}
	actor := NewActor(provider, permissiveLimiter(), retry.Config{MaxAttempts: 5}, sink)
	req := envelope.LLMRequest{CorrelationID: ids.NewCorrelation(), AgentID: ids.NewAgent()}

	_, err := actor.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, provider.call)
}

func TestActorDispatchRejectsWhenQueueFullAndDisabled(t *testing.T) {
	sink := &recordingSink{}
	provider := &scriptedProvider{
		name: "fake",
		scripts: [][]StreamEvent{{
			{Kind: EventStart},
			{Kind: EventEnd, StopReason: envelope.StopEndTurn},
		}},
	}
	actor := NewActor(provider, ratelimit.Config{RPM: 1, QueueWhenLimited: false}, retry.Config{MaxAttempts: 1}, sink)

	req := envelope.LLMRequest{CorrelationID: ids.NewCorrelation(), AgentID: ids.NewAgent()}
	_, err := actor.Dispatch(context.Background(), req)
	require.NoError(t, err) // first request admits

	_, err = actor.Dispatch(context.Background(), req)
	require.Error(t, err) // second request: window full, queueing disabled
}
