package promptloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/bus"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/llm"
	"github.com/relaykit/agentcore/internal/llm/ratelimit"
	"github.com/relaykit/agentcore/internal/retry"
)

type scriptedProvider struct {
	scripts [][]llm.StreamEvent
	call    int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Send(ctx context.Context, req envelope.LLMRequest) (llm.NonStreamingResult, error) {
	return llm.NonStreamingResult{}, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req envelope.LLMRequest) (<-chan llm.StreamEvent, error) {
	script := p.scripts[p.call]
	p.call++
	ch := make(chan llm.StreamEvent, len(script))
	for _, e := range script {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newTestLoop(t *testing.T, scripts [][]llm.StreamEvent, tools []Tool, cfg Config) *Loop {
	t.Helper()
	b := bus.New(16)
	provider := &scriptedProvider{scripts: scripts}
	sink := llm.PublishSink{Pub: b.Publish}
	actor := llm.NewActor(provider, ratelimit.Config{RPM: 1000, TPM: 1000000, QueueWhenLimited: true, MaxQueueSize: 10}, retry.Config{MaxAttempts: 1}, sink)
	return New(b, actor, tools, cfg)
}

func TestRunSimpleTurn(t *testing.T) {
	loop := newTestLoop(t, [][]llm.StreamEvent{{
		{Kind: llm.EventStart},
		{Kind: llm.EventToken, Text: "po"},
		{Kind: llm.EventToken, Text: "ng"},
		{Kind: llm.EventEnd, StopReason: envelope.StopEndTurn},
	}}, nil, DefaultConfig())

	resp, _, err := loop.Run(context.Background(), ids.NewAgent(), []envelope.Message{envelope.NewUserMessage("ping")}, envelope.Sampling{}, Callbacks{})

	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)
	assert.Equal(t, envelope.StopEndTurn, resp.StopReason)
	assert.Equal(t, 2, resp.TokenCount)
	assert.Empty(t, resp.ExecutedToolCalls)
}

type calcTool struct{}

func (calcTool) Definition() envelope.ToolDefinition {
	return envelope.ToolDefinition{Name: "calc", Description: "adds numbers", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (calcTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return `{"result":4}`, nil
}

func TestRunSingleToolRound(t *testing.T) {
	loop := newTestLoop(t, [][]llm.StreamEvent{
		{
			{Kind: llm.EventStart},
			{Kind: llm.EventToken, Text: "computing"},
			{Kind: llm.EventToolCall, ToolCall: envelope.ToolCall{ID: "tc1", Name: "calc", Arguments: json.RawMessage(`{"expr":"2+2"}`)}},
			{Kind: llm.EventEnd, StopReason: envelope.StopToolUse},
		},
		{
			{Kind: llm.EventStart},
			{Kind: llm.EventToken, Text: "4"},
			{Kind: llm.EventEnd, StopReason: envelope.StopEndTurn},
		},
	}, []Tool{calcTool{}}, DefaultConfig())

	resp, history, err := loop.Run(context.Background(), ids.NewAgent(), []envelope.Message{envelope.NewUserMessage("2+2?")}, envelope.Sampling{}, Callbacks{})

	require.NoError(t, err)
	assert.Equal(t, "4", resp.Text)
	assert.Equal(t, envelope.StopEndTurn, resp.StopReason)
	assert.Equal(t, 2, resp.TokenCount)
	require.Len(t, resp.ExecutedToolCalls, 1)
	assert.Equal(t, "tc1", resp.ExecutedToolCalls[0].ID)
	assert.Equal(t, "calc", resp.ExecutedToolCalls[0].Name)
	assert.JSONEq(t, `{"result":4}`, resp.ExecutedToolCalls[0].Result)

	// history: user, assistant(with tool call), tool
	require.Len(t, history, 3)
	assert.Equal(t, envelope.RoleTool, history[2].Role)
	assert.Equal(t, `{"result":4}`, history[2].Content)
}

func TestRunToolNotFound(t *testing.T) {
	loop := newTestLoop(t, [][]llm.StreamEvent{
		{
			{Kind: llm.EventStart},
			{Kind: llm.EventToolCall, ToolCall: envelope.ToolCall{ID: "tc1", Name: "ghost", Arguments: json.RawMessage(`{}`)}},
			{Kind: llm.EventEnd, StopReason: envelope.StopToolUse},
		},
		{
			{Kind: llm.EventStart},
			{Kind: llm.EventToken, Text: "ok"},
			{Kind: llm.EventEnd, StopReason: envelope.StopEndTurn},
		},
	}, nil, DefaultConfig())

	resp, history, err := loop.Run(context.Background(), ids.NewAgent(), []envelope.Message{envelope.NewUserMessage("hi")}, envelope.Sampling{}, Callbacks{})

	require.NoError(t, err)
	require.Len(t, resp.ExecutedToolCalls, 1)
	assert.Equal(t, "not found", resp.ExecutedToolCalls[0].Err)
	assert.Equal(t, "not found", history[2].Content)
}

func TestRunExceedsMaxToolRounds(t *testing.T) {
	toolUseRound := []llm.StreamEvent{
		{Kind: llm.EventStart},
		{Kind: llm.EventToolCall, ToolCall: envelope.ToolCall{ID: "tc1", Name: "calc", Arguments: json.RawMessage(`{}`)}},
		{Kind: llm.EventEnd, StopReason: envelope.StopToolUse},
	}
	loop := newTestLoop(t, [][]llm.StreamEvent{toolUseRound, toolUseRound}, []Tool{calcTool{}}, Config{MaxToolRounds: 2})

	_, history, err := loop.Run(context.Background(), ids.NewAgent(), []envelope.Message{envelope.NewUserMessage("loop")}, envelope.Sampling{}, Callbacks{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded maximum tool rounds (2)")
	// both rounds' assistant+tool splicings are present: user + 2*(assistant+tool)
	assert.Len(t, history, 5)
}

func TestRunToolUseWithNoCallsTerminatesDefensively(t *testing.T) {
	loop := newTestLoop(t, [][]llm.StreamEvent{{
		{Kind: llm.EventStart},
		{Kind: llm.EventToken, Text: "hmm"},
		{Kind: llm.EventEnd, StopReason: envelope.StopToolUse},
	}}, nil, DefaultConfig())

	resp, _, err := loop.Run(context.Background(), ids.NewAgent(), []envelope.Message{envelope.NewUserMessage("hi")}, envelope.Sampling{}, Callbacks{})

	require.NoError(t, err)
	assert.Equal(t, envelope.StopEndTurn, resp.StopReason)
}

func TestRunPropagatesDispatchError(t *testing.T) {
	loop := newTestLoop(t, nil, nil, DefaultConfig())
	loop.actor = llm.NewActor(&erroringProvider{}, ratelimit.Config{RPM: 1000}, retry.Config{MaxAttempts: 1}, llm.PublishSink{Pub: func(envelope.Event) {}})

	_, _, err := loop.Run(context.Background(), ids.NewAgent(), []envelope.Message{envelope.NewUserMessage("hi")}, envelope.Sampling{}, Callbacks{})
	require.Error(t, err)
}

type erroringProvider struct{}

func (erroringProvider) Name() string { return "erroring" }
func (erroringProvider) Send(ctx context.Context, req envelope.LLMRequest) (llm.NonStreamingResult, error) {
	return llm.NonStreamingResult{}, errors.New("boom")
}
func (erroringProvider) Stream(ctx context.Context, req envelope.LLMRequest) (<-chan llm.StreamEvent, error) {
	return nil, llm.NewError(llm.ErrAuthentication, "bad key", nil)
}
