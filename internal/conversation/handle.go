package conversation

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/kernel"
)

// Handle adapts a Conversation into a kernel.AgentHandle so the supervisor
// kernel can hold a capability for it without reaching into its history or
// mailbox. A delivered kernel.RoutedMessage's payload is treated as the
// next user turn's text.
type Handle struct {
	conv    *Conversation
	status  atomic.Value // kernel.AgentStatus
	stopped atomic.Bool
}

// NewHandle wraps conv for registration with a Kernel.
func NewHandle(conv *Conversation) *Handle {
	h := &Handle{conv: conv}
	h.status.Store(kernel.StatusIdle)
	return h
}

func (h *Handle) ID() ids.ID { return h.conv.agentID }

// Deliver treats msg.Payload as the next user turn. Only string payloads
// are meaningful user text; anything else is rejected rather than silently
// dropped, since a caller routing the wrong payload type is a bug worth
// surfacing.
func (h *Handle) Deliver(ctx context.Context, msg kernel.RoutedMessage) error {
	text, ok := msg.Payload.(string)
	if !ok {
		return fmt.Errorf("conversation: handle %s expects a string payload, got %T", h.ID(), msg.Payload)
	}

	h.status.Store(kernel.StatusThinking)
	_, err := h.conv.Send(ctx, text)
	if err != nil {
		h.status.Store(kernel.StatusIdle)
		return err
	}
	h.status.Store(kernel.StatusIdle)
	return nil
}

func (h *Handle) Status() kernel.AgentStatus {
	return h.status.Load().(kernel.AgentStatus)
}

// Stop terminates the underlying conversation's actor goroutine. reason is
// accepted for interface-compatibility with kernel.AgentHandle; the
// conversation itself has no notion of a stop reason to log against, since
// it owns no lifecycle events of its own (§4.6 delegates that to the
// kernel).
func (h *Handle) Stop(reason string) {
	if h.stopped.CompareAndSwap(false, true) {
		h.status.Store(kernel.StatusStopping)
		h.conv.Stop()
	}
}
