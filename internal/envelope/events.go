package envelope

import "github.com/relaykit/agentcore/internal/ids"

// Event is the common interface satisfied by every value broadcast on
// internal/bus. CorrelationKey returns the id events for one stream or round
// share, or the zero ID for agent-lifecycle events that key by AgentKey
// instead.
type Event interface {
	CorrelationKey() ids.ID
	AgentKey() ids.ID
}

// LLMStreamStart marks the beginning of a provider stream for CorrelationID.
type LLMStreamStart struct {
	CorrelationID ids.ID
	AgentID       ids.ID
}

func (e LLMStreamStart) CorrelationKey() ids.ID { return e.CorrelationID }
func (e LLMStreamStart) AgentKey() ids.ID        { return e.AgentID }

// LLMStreamToken carries one ordered chunk of generated text.
type LLMStreamToken struct {
	CorrelationID ids.ID
	AgentID       ids.ID
	Text          string
}

func (e LLMStreamToken) CorrelationKey() ids.ID { return e.CorrelationID }
func (e LLMStreamToken) AgentKey() ids.ID        { return e.AgentID }

// LLMStreamToolCall reports one finalized tool-use block.
type LLMStreamToolCall struct {
	CorrelationID ids.ID
	AgentID       ids.ID
	ToolCall      ToolCall
}

func (e LLMStreamToolCall) CorrelationKey() ids.ID { return e.CorrelationID }
func (e LLMStreamToolCall) AgentKey() ids.ID        { return e.AgentID }

// LLMStreamEnd terminates a stream, exactly once per correlation id.
type LLMStreamEnd struct {
	CorrelationID ids.ID
	AgentID       ids.ID
	StopReason    StopReason
}

func (e LLMStreamEnd) CorrelationKey() ids.ID { return e.CorrelationID }
func (e LLMStreamEnd) AgentKey() ids.ID        { return e.AgentID }

// LLMStreamError reports a non-retriable provider failure that aborted the
// stream. It is always followed by (or accompanied by) a synthetic
// LLMStreamEnd for the same correlation id.
type LLMStreamError struct {
	CorrelationID ids.ID
	AgentID       ids.ID
	Type          string
	Message       string
}

func (e LLMStreamError) CorrelationKey() ids.ID { return e.CorrelationID }
func (e LLMStreamError) AgentKey() ids.ID        { return e.AgentID }

// RateLimitHit reports a 429 admission rejection from a provider.
type RateLimitHit struct {
	CorrelationID  ids.ID
	Provider       string
	RetryAfterSecs float64
}

func (e RateLimitHit) CorrelationKey() ids.ID { return e.CorrelationID }
func (e RateLimitHit) AgentKey() ids.ID        { return ids.ID{} }

// AgentSpawned announces a new agent handle registered with the kernel.
type AgentSpawned struct {
	AgentID ids.ID
}

func (e AgentSpawned) CorrelationKey() ids.ID { return ids.ID{} }
func (e AgentSpawned) AgentKey() ids.ID        { return e.AgentID }

// AgentStopped announces that the kernel removed an agent handle.
type AgentStopped struct {
	AgentID ids.ID
	Reason  string
}

func (e AgentStopped) CorrelationKey() ids.ID { return ids.ID{} }
func (e AgentStopped) AgentKey() ids.ID        { return e.AgentID }

// ChildTerminated reports that the kernel observed an agent's task exit
// without StopAgent having been called.
type ChildTerminated struct {
	AgentID ids.ID
	Cause   error
}

func (e ChildTerminated) CorrelationKey() ids.ID { return ids.ID{} }
func (e ChildTerminated) AgentKey() ids.ID        { return e.AgentID }
