package llm

import (
	"encoding/json"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
)

// BlockAccumulator normalizes a provider's wire protocol — block-based
// (Anthropic) or flat token-stream (OpenAI-compatible) — onto the common
// Idle → Admit → Dispatch → Stream{ContentBlockOpen → Delta* →
// ContentBlockClose}* → FinalDelta → Closed machine (§4.2).
//
// Wire adapters call OpenToolBlock/AppendToolJSON/CloseToolBlock for tool-use
// blocks and Text for plain token deltas; the accumulator publishes the
// corresponding LLMStreamToken / LLMStreamToolCall events and Close returns
// the accumulated NonStreamingResult.
type BlockAccumulator struct {
	correlationID ids.ID
	agentID       ids.ID
	sink          Sink

	started      bool
	text         string
	toolCalls    []envelope.ToolCall
	openToolID   string
	openToolName string
	openToolJSON string
}

// NewBlockAccumulator constructs an accumulator for one correlation id.
func NewBlockAccumulator(correlationID, agentID ids.ID, sink Sink) *BlockAccumulator {
	return &BlockAccumulator{correlationID: correlationID, agentID: agentID, sink: sink}
}

// Start emits LLMStreamStart exactly once; subsequent calls are no-ops.
func (a *BlockAccumulator) Start() {
	if a.started {
		return
	}
	a.started = true
	a.sink.Publish(envelope.LLMStreamStart{CorrelationID: a.correlationID, AgentID: a.agentID})
}

// Text emits a text delta as LLMStreamToken and appends it to the running
// buffer, preserving the invariant that concatenated token text equals the
// model's full output.
func (a *BlockAccumulator) Text(delta string) {
	if delta == "" {
		return
	}
	a.Start()
	a.text += delta
	a.sink.Publish(envelope.LLMStreamToken{CorrelationID: a.correlationID, AgentID: a.agentID, Text: delta})
}

// OpenToolBlock begins accumulating a tool-use block's partial JSON.
func (a *BlockAccumulator) OpenToolBlock(id, name string) {
	a.Start()
	a.openToolID = id
	a.openToolName = name
	a.openToolJSON = ""
}

// AppendToolJSON accumulates one fragment of a tool-use block's partial
// JSON arguments.
func (a *BlockAccumulator) AppendToolJSON(fragment string) {
	a.openToolJSON += fragment
}

// CloseToolBlock finalizes the open tool-use block: the accumulated partial
// JSON is parsed, falling back to an empty object on parse failure, and an
// LLMStreamToolCall is published.
func (a *BlockAccumulator) CloseToolBlock() {
	if a.openToolID == "" {
		return
	}
	args := json.RawMessage(a.openToolJSON)
	if !json.Valid(args) {
		args = json.RawMessage("{}")
	}
	call := envelope.ToolCall{ID: a.openToolID, Name: a.openToolName, Arguments: args}
	a.toolCalls = append(a.toolCalls, call)
	a.sink.Publish(envelope.LLMStreamToolCall{CorrelationID: a.correlationID, AgentID: a.agentID, ToolCall: call})
	a.openToolID = ""
	a.openToolName = ""
	a.openToolJSON = ""
}

// Close emits exactly one LLMStreamEnd with the normalized stop reason and
// returns the accumulated result.
func (a *BlockAccumulator) Close(rawStopReason string) NonStreamingResult {
	a.Start()
	stop := envelope.NormalizeStopReason(rawStopReason)
	a.sink.Publish(envelope.LLMStreamEnd{CorrelationID: a.correlationID, AgentID: a.agentID, StopReason: stop})
	return NonStreamingResult{Content: a.text, ToolCalls: a.toolCalls, StopReason: stop}
}

// Abort emits a synthetic LLMStreamEnd{end_turn} plus an LLMStreamError, for
// a non-retriable failure that aborts the stream before completion.
func (a *BlockAccumulator) Abort(errType, message string) {
	a.Start()
	a.sink.Publish(envelope.LLMStreamError{CorrelationID: a.correlationID, AgentID: a.agentID, Type: errType, Message: message})
	a.sink.Publish(envelope.LLMStreamEnd{CorrelationID: a.correlationID, AgentID: a.agentID, StopReason: envelope.StopEndTurn})
}

// Buffer returns the text accumulated so far.
func (a *BlockAccumulator) Buffer() string { return a.text }
