// Package conversation implements the Conversation Manager (§4.6): one
// serializing actor per conversation so interleaved `Send` calls append to
// history in arrival order, not scheduling order, plus context-window
// fitting (§4.7) and compaction-usage tracking (Supplemented Feature 3)
// ahead of every outgoing request.
//
// Grounded on the teacher's actor-per-session model (internal/agent/loop.go's
// AgenticLoop owning one session's history) and its usage-threshold
// compaction (internal/agent/compaction.go's CompactionManager), adapted
// onto this runtime's bus-driven prompt loop instead of the teacher's
// direct provider calls.
package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaykit/agentcore/internal/contextwindow"
	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/ids"
	"github.com/relaykit/agentcore/internal/promptloop"
)

// Config configures one Conversation.
type Config struct {
	SystemPrompt     string
	DefaultSampling  envelope.Sampling
	MaxHistory       int
	MaxContextTokens int
	FitStrategy      contextwindow.Strategy
	Summarizer       contextwindow.Summarizer

	// CompactionThresholdPercent is the context-usage percentage (of
	// MaxContextTokens) at or above which CompactionUsage reports a
	// pending-compaction state, mirroring the teacher's ThresholdPercent.
	CompactionThresholdPercent int
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 50
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.FitStrategy == "" {
		cfg.FitStrategy = contextwindow.StrategyKeepSystemAndRecent
	}
	if cfg.CompactionThresholdPercent <= 0 {
		cfg.CompactionThresholdPercent = 80
	}
	return cfg
}

// request is one Send call's payload, processed by the conversation's
// single actor goroutine in arrival order.
type request struct {
	ctx    context.Context
	text   string
	replyC chan<- sendResult
}

type sendResult struct {
	resp envelope.CollectedResponse
	err  error
}

// Conversation is a serializing actor owning one agent's history. All
// mutation flows through its mailbox; Send is safe to call concurrently
// from multiple goroutines.
//
// Failure policy (§4.6 open question, resolved): a failed prompt-loop round
// leaves the user message appended with no assistant follow-up, rather than
// rolling it back. The teacher's sessions behave the same way (a failed
// provider call still shows the user's message in transcript history), and
// retaining it lets the caller retry `Send` on the same conversation without
// re-submitting text that's already visible to the user.
type Conversation struct {
	id      ids.ID
	agentID ids.ID
	loop    *promptloop.Loop
	tools   []promptloop.Tool
	cfg     Config

	mailbox chan request
	done    chan struct{}

	// snapshotMu guards history and usagePercent against concurrent reads
	// from History/CompactionUsage while the actor goroutine mutates them.
	snapshotMu   sync.RWMutex
	history      []envelope.Message
	usagePercent int
}

// New constructs a Conversation and starts its actor goroutine. tools is
// the fixed set of tool actors available to every round; callers that need
// per-agent tool wiring should build it once via tools.ForAgent before
// calling New.
func New(loop *promptloop.Loop, agentID ids.ID, tools []promptloop.Tool, cfg Config) *Conversation {
	cfg = sanitizeConfig(cfg)
	c := &Conversation{
		id:      ids.NewConversation(),
		agentID: agentID,
		loop:    loop,
		tools:   tools,
		cfg:     cfg,
		mailbox: make(chan request, 64),
		done:    make(chan struct{}),
	}
	if cfg.SystemPrompt != "" {
		c.history = append(c.history, envelope.NewSystemMessage(cfg.SystemPrompt))
	}
	go c.run()
	return c
}

// ID returns the conversation's identifier.
func (c *Conversation) ID() ids.ID { return c.id }

func (c *Conversation) run() {
	for {
		select {
		case req := <-c.mailbox:
			resp, err := c.handleSend(req.ctx, req.text)
			req.replyC <- sendResult{resp: resp, err: err}
		case <-c.done:
			c.drainMailbox()
			return
		}
	}
}

// drainMailbox processes any requests already enqueued on the mailbox
// before Stop closed c.done. Without this, run's select could pick the
// c.done case over a simultaneously-ready mailbox receive and abandon
// queued Sends, contradicting Stop's "pending Sends already enqueued are
// still processed" guarantee.
func (c *Conversation) drainMailbox() {
	for {
		select {
		case req := <-c.mailbox:
			resp, err := c.handleSend(req.ctx, req.text)
			req.replyC <- sendResult{resp: resp, err: err}
		default:
			return
		}
	}
}

// Send appends a user message and drives the prompt loop to completion. It
// is safe to call from multiple goroutines: calls queue on the mailbox and
// are applied to history in arrival order.
func (c *Conversation) Send(ctx context.Context, userText string) (envelope.CollectedResponse, error) {
	replyC := make(chan sendResult, 1)
	select {
	case c.mailbox <- request{ctx: ctx, text: userText, replyC: replyC}:
	case <-ctx.Done():
		return envelope.CollectedResponse{}, ctx.Err()
	case <-c.done:
		return envelope.CollectedResponse{}, fmt.Errorf("conversation: stopped")
	}

	select {
	case result := <-replyC:
		return result.resp, result.err
	case <-ctx.Done():
		return envelope.CollectedResponse{}, ctx.Err()
	}
}

// handleSend runs on the actor goroutine only: it is the sole writer of
// c.history and c.usagePercent, synchronized against readers via
// snapshotMu.
func (c *Conversation) handleSend(ctx context.Context, userText string) (envelope.CollectedResponse, error) {
	history := append(append([]envelope.Message(nil), c.history...), envelope.NewUserMessage(userText))

	fitted := contextwindow.Fit(history, c.cfg.MaxContextTokens, c.cfg.FitStrategy, c.cfg.Summarizer)
	c.setUsage(fitted)

	resp, newHistory, err := c.loop.Run(ctx, c.agentID, fitted, c.cfg.DefaultSampling, promptloop.Callbacks{})
	if err != nil {
		// Retain policy: the user message stays, no assistant follow-up is
		// appended. newHistory may already carry partial tool-round
		// splicing (§4.3 step 6's append-before-limit-check ordering); we
		// keep that too since it reflects tool calls that really executed.
		c.setHistory(mergeRetained(history, fitted, newHistory))
		return envelope.CollectedResponse{}, err
	}

	c.setHistory(contextwindow.TrimHistory(newHistory, c.cfg.MaxHistory))
	return resp, nil
}

func (c *Conversation) setHistory(h []envelope.Message) {
	c.snapshotMu.Lock()
	c.history = h
	c.snapshotMu.Unlock()
}

// mergeRetained reattaches any splicing the prompt loop performed onto the
// fitted view (which may have dropped older context) back onto the full
// history, so a round that ran several tool rounds before failing doesn't
// lose that work even though the outer call reports an error.
func mergeRetained(full, fitted, loopHistory []envelope.Message) []envelope.Message {
	if len(loopHistory) <= len(fitted) {
		return full
	}
	appended := loopHistory[len(fitted):]
	out := make([]envelope.Message, 0, len(full)+len(appended))
	out = append(out, full...)
	out = append(out, appended...)
	return out
}

func (c *Conversation) setUsage(fitted []envelope.Message) {
	used := 0
	for _, m := range fitted {
		used += contextwindow.EstimateTokens(m)
	}
	percent := 0
	if c.cfg.MaxContextTokens > 0 {
		percent = used * 100 / c.cfg.MaxContextTokens
	}
	c.snapshotMu.Lock()
	c.usagePercent = percent
	c.snapshotMu.Unlock()
}

// CompactionUsage reports the current context-usage percentage and whether
// it has crossed the configured compaction threshold (Supplemented Feature
// 3). It reads a field only ever written by the actor goroutine, so callers
// may see a slightly stale value under concurrent Sends; that's acceptable
// for a monitoring signal.
func (c *Conversation) CompactionUsage() (percent int, pending bool) {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return c.usagePercent, c.usagePercent >= c.cfg.CompactionThresholdPercent
}

// History returns a snapshot copy of the conversation's current history.
func (c *Conversation) History() []envelope.Message {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return append([]envelope.Message(nil), c.history...)
}

// Stop terminates the actor goroutine. Pending Sends already enqueued are
// still processed; new Sends after Stop fail.
func (c *Conversation) Stop() {
	close(c.done)
}
