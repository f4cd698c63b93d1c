// Package promptloop drives one user turn to completion (§4.3): it sends an
// LLMRequest, watches the bus for that round's normalized event sequence,
// and on a tool_use stop reason dispatches the requested tools and loops,
// splicing the assistant and tool-role messages into history for the next
// round, up to a configurable round limit.
package promptloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaykit/agentcore/internal/bus"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/llm"
)

// Tool is the subset of a tool actor (§4.4) the prompt loop needs to
// dispatch a call and fold its result back into history. internal/tools'
// registry-backed actor implements this.
type Tool interface {
	Definition() envelope.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Callbacks are invoked on the runtime's own goroutine as events arrive; per
// §4.3 they must not block.
type Callbacks struct {
	OnStart func()
	OnToken func(text string)
	OnEnd   func(stopReason envelope.StopReason)
}

// Config configures round limits for one Loop.
type Config struct {
	MaxToolRounds int
}

// DefaultConfig returns the spec's default of 10 tool rounds.
func DefaultConfig() Config {
	return Config{MaxToolRounds: 10}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 10
	}
	return cfg
}

// Loop implements the `collect` operation (§4.3).
type Loop struct {
	bus   *bus.Bus
	actor *llm.Actor
	tools []Tool
	index map[string]Tool
	cfg   Config
}

// New constructs a Loop. tools may be nil/empty for a model with no tool
// access configured.
func New(b *bus.Bus, actor *llm.Actor, tools []Tool, cfg Config) *Loop {
	index := make(map[string]Tool, len(tools))
	for _, t := range tools {
		index[t.Definition().Name] = t
	}
	return &Loop{bus: b, actor: actor, tools: tools, index: index, cfg: sanitizeConfig(cfg)}
}

func (l *Loop) toolDefinitions() []envelope.ToolDefinition {
	defs := make([]envelope.ToolDefinition, 0, len(l.tools))
	for _, t := range l.tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Run drives the prompt loop for one user turn: messages is the full
// history including the just-appended user message, agentID identifies the
// owning agent for bus routing, and sampling carries any per-call sampling
// overrides (merge with provider defaults happens in internal/llm).
func (l *Loop) Run(ctx context.Context, agentID ids.ID, messages []envelope.Message, sampling envelope.Sampling, cb Callbacks) (envelope.CollectedResponse, []envelope.Message, error) {
	history := append([]envelope.Message(nil), messages...)
	executed := []envelope.ExecutedToolCall{}
	tokenCount := 0
	roundsExecuted := 0

	for {
		round, err := l.runOneRound(ctx, agentID, history, sampling, cb)
		if err != nil {
			return envelope.CollectedResponse{}, history, err
		}
		tokenCount += round.tokenCount

		switch round.stopReason {
		case envelope.StopEndTurn, envelope.StopMaxTokens, envelope.StopStopSequence:
			return envelope.CollectedResponse{
				Text:              round.text,
				StopReason:        round.stopReason,
				TokenCount:        tokenCount,
				ExecutedToolCalls: executed,
			}, history, nil

		case envelope.StopToolUse:
			if len(round.toolCalls) == 0 {
				// Defensive: treat a tool_use stop with no calls as end-of-turn.
				return envelope.CollectedResponse{
					Text:              round.text,
					StopReason:        envelope.StopEndTurn,
					TokenCount:        tokenCount,
					ExecutedToolCalls: executed,
				}, history, nil
			}

			toolMessages := make([]envelope.Message, 0, len(round.toolCalls))
			for _, call := range round.toolCalls {
				result := l.dispatchTool(ctx, call)
				executed = append(executed, result)
				content := result.Result
				if result.Err != "" {
					content = result.Err
				}
				toolMessages = append(toolMessages, envelope.NewToolMessage(call.ID, content))
			}

			history = append(history, envelope.NewAssistantMessage(round.text, round.toolCalls))
			history = append(history, toolMessages...)

			roundsExecuted++
			if roundsExecuted >= l.cfg.MaxToolRounds {
				return envelope.CollectedResponse{}, history, fmt.Errorf("promptloop: exceeded maximum tool rounds (%d)", l.cfg.MaxToolRounds)
			}

		default:
			return envelope.CollectedResponse{
				Text:              round.text,
				StopReason:        envelope.StopEndTurn,
				TokenCount:        tokenCount,
				ExecutedToolCalls: executed,
			}, history, nil
		}
	}
}

type roundResult struct {
	text       string
	stopReason envelope.StopReason
	tokenCount int
	toolCalls  []envelope.ToolCall
}

// runOneRound mints a correlation id, subscribes an ephemeral collector
// filtered to it, dispatches the request, and drains the collector until
// its single End event, per §4.3 steps 1-5.
func (l *Loop) runOneRound(ctx context.Context, agentID ids.ID, history []envelope.Message, sampling envelope.Sampling, cb Callbacks) (roundResult, error) {
	corrID := ids.NewCorrelation()
	sub := l.bus.Subscribe(bus.ByCorrelationID(corrID))
	defer sub.Unsubscribe()

	req := envelope.LLMRequest{
		CorrelationID: corrID,
		AgentID:       agentID,
		Messages:      history,
		Tools:         l.toolDefinitions(),
		Sampling:      sampling,
	}

	if _, err := l.actor.Dispatch(ctx, req); err != nil {
		return roundResult{}, err
	}

	var result roundResult
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return roundResult{}, fmt.Errorf("promptloop: collector closed before end event")
			}
			switch e := evt.(type) {
			case envelope.LLMStreamStart:
				if cb.OnStart != nil {
					cb.OnStart()
				}
			case envelope.LLMStreamToken:
				result.text += e.Text
				result.tokenCount++
				if cb.OnToken != nil {
					cb.OnToken(e.Text)
				}
			case envelope.LLMStreamToolCall:
				result.toolCalls = append(result.toolCalls, e.ToolCall)
			case envelope.LLMStreamEnd:
				result.stopReason = e.StopReason
				if cb.OnEnd != nil {
					cb.OnEnd(e.StopReason)
				}
				return result, nil
			}
		case <-ctx.Done():
			return roundResult{}, ctx.Err()
		}
	}
}

// dispatchTool implements §4.4's dispatch rules: a registry miss is a
// NotFound error without ever invoking an executor.
func (l *Loop) dispatchTool(ctx context.Context, call envelope.ToolCall) envelope.ExecutedToolCall {
	tool, ok := l.index[call.Name]
	if !ok {
		return envelope.ExecutedToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Err: "not found"}
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return envelope.ExecutedToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Err: err.Error()}
	}
	return envelope.ExecutedToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments, Result: result}
}
