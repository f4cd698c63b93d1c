package llm

import (
	"context"
	"fmt"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/llm/ratelimit"
	"github.com/relaykit/agentcore/internal/retry"
)

// Actor is the per-backend LLM provider actor (§4.2): it owns a private
// rate limiter and queue, admits or queues requests, retries retriable wire
// failures with backoff, and drives Provider.Stream while publishing the
// normalized event vocabulary to Sink.
//
// Grounded on the teacher's BaseProvider (internal/agent/providers/base.go):
// same retry-wrapped-dispatch shape, generalized to compose
// internal/llm/ratelimit admission and internal/retry classification instead
// of a single inline backoff loop.
type Actor struct {
	provider Provider
	limiter  *ratelimit.Limiter
	retryCfg retry.Config
	sink     Sink
}

// NewActor constructs an Actor.
func NewActor(provider Provider, limiterCfg ratelimit.Config, retryCfg retry.Config, sink Sink) *Actor {
	return &Actor{
		provider: provider,
		limiter:  ratelimit.New(limiterCfg),
		retryCfg: retryCfg,
		sink:     sink,
	}
}

func estimateRequestTokens(req envelope.LLMRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += ratelimit.EstimateTokens(m.Content)
	}
	return total
}

// Dispatch admits (or queues) req, then streams it, publishing LLMStreamStart
// / LLMStreamToken / LLMStreamToolCall / LLMStreamEnd on the sink and
// returning the accumulated result. Exactly one LLMStreamEnd is emitted for
// req.CorrelationID regardless of success or failure.
func (a *Actor) Dispatch(ctx context.Context, req envelope.LLMRequest) (NonStreamingResult, error) {
	if err := a.admitOrQueue(ctx, req); err != nil {
		acc := NewBlockAccumulator(req.CorrelationID, req.AgentID, a.sink)
		acc.Abort("shutting-down", err.Error())
		return NonStreamingResult{}, err
	}

	var result NonStreamingResult
	doErr := retry.Do(ctx, a.retryCfg, func(attempt int) error {
		r, err := a.attempt(ctx, req)
		if err == nil {
			result = r
			return nil
		}
		if rl, ok := err.(*Error); ok && rl.Type == ErrRateLimited {
			a.sink.Publish(envelope.RateLimitHit{
				CorrelationID:  req.CorrelationID,
				Provider:       a.provider.Name(),
				RetryAfterSecs: rl.RetryAfter,
			})
		}
		return err
	})

	if doErr.Err != nil {
		return NonStreamingResult{}, doErr.Err
	}
	return result, nil
}

func (a *Actor) admitOrQueue(ctx context.Context, req envelope.LLMRequest) error {
	tokens := estimateRequestTokens(req)
	if a.limiter.Admit(tokens) {
		return nil
	}

	queued, ok := a.limiter.Enqueue(tokens)
	if !ok {
		return fmt.Errorf("llm: rate limit queue full or disabled for %s", a.provider.Name())
	}
	select {
	case <-queued.Ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt performs one Stream call and fully drains the event channel into
// the accumulator, translating the abstract StreamEvent sequence into bus
// events via BlockAccumulator.
func (a *Actor) attempt(ctx context.Context, req envelope.LLMRequest) (NonStreamingResult, error) {
	acc := NewBlockAccumulator(req.CorrelationID, req.AgentID, a.sink)

	events, err := a.provider.Stream(ctx, req)
	if err != nil {
		if provErr, ok := err.(*Error); ok {
			acc.Abort(string(provErr.Type), provErr.Message)
		} else {
			acc.Abort(string(ErrStream), err.Error())
		}
		return NonStreamingResult{}, err
	}

	var openToolID, openToolName string
	for event := range events {
		switch event.Kind {
		case EventStart:
			acc.Start()
		case EventToken:
			acc.Text(event.Text)
		case EventToolCall:
			openToolID = event.ToolCall.ID
			openToolName = event.ToolCall.Name
			acc.OpenToolBlock(openToolID, openToolName)
			acc.AppendToolJSON(string(event.ToolCall.Arguments))
			acc.CloseToolBlock()
		case EventEnd:
			return acc.Close(string(event.StopReason)), nil
		case EventError:
			provErr := &Error{Type: ErrorType(event.ErrType), Message: event.ErrMessage}
			acc.Abort(event.ErrType, event.ErrMessage)
			return NonStreamingResult{}, provErr
		}
	}
	// Channel closed without an End/Error event: treat as a stream defect.
	acc.Abort(string(ErrStream), "stream closed without a terminal event")
	return NonStreamingResult{}, NewError(ErrStream, "stream closed without a terminal event", nil)
}

// ProcessQueue drains admission-queued requests whenever the window allows.
// Callers run this periodically or after each completed dispatch.
func (a *Actor) ProcessQueue() { a.limiter.ProcessQueue() }
