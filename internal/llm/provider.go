// Package llm defines the provider abstraction (§4.2, §6): the normalized
// event vocabulary that every wire backend (Anthropic SSE blocks, an
// OpenAI-compatible token stream) is translated into, the streaming state
// machine that performs that translation, and the rate-limited, retrying
// provider actor that drives it.
package llm

import (
	"context"

	"github.com/relaykit/agentcore/internal/envelope"
)

// StreamEventKind tags one event in a provider's abstract event stream.
type StreamEventKind string

const (
	EventStart    StreamEventKind = "start"
	EventToken    StreamEventKind = "token"
	EventToolCall StreamEventKind = "tool_call"
	EventEnd      StreamEventKind = "end"
	EventError    StreamEventKind = "error"
)

// StreamEvent is one element of a provider's lazy event sequence, per §6's
// LLM wire contract.
type StreamEvent struct {
	Kind       StreamEventKind
	StartID    string
	Text       string
	ToolCall   envelope.ToolCall
	StopReason envelope.StopReason
	ErrType    string
	ErrMessage string
}

// NonStreamingResult is the output of a provider's non-streaming send.
type NonStreamingResult struct {
	Content    string
	ToolCalls  []envelope.ToolCall
	StopReason envelope.StopReason
}

// Provider is the abstract LLM wire contract (§6). Concrete backends
// (internal/llm/anthropic, internal/llm/openaicompat) implement this against
// a real SDK.
type Provider interface {
	// Name is a stable lowercase provider identifier for routing/logging.
	Name() string
	// Send performs a non-streaming completion.
	Send(ctx context.Context, req envelope.LLMRequest) (NonStreamingResult, error)
	// Stream performs a streaming completion, returning a channel of
	// StreamEvent closed after exactly one EventEnd or EventError.
	Stream(ctx context.Context, req envelope.LLMRequest) (<-chan StreamEvent, error)
}

// Sink receives the four bus-visible events (§6) a provider actor emits for
// one correlation id. internal/bus.Bus satisfies this via its Publish method
// when wrapped by PublishSink.
type Sink interface {
	Publish(envelope.Event)
}

// PublishSink adapts a bus-like Publish method into the Sink this package
// expects, so llm does not import internal/bus directly and stays testable
// with a fake sink.
type PublishSink struct {
	Pub func(envelope.Event)
}

func (s PublishSink) Publish(e envelope.Event) { s.Pub(e) }
