// Package contextwindow fits a conversation's message history into a token
// budget before it goes out to the LLM provider (§4.7), and separately
// trims an agent's retained history once it exceeds a message-count cap
// (§3's Agent.max_history invariant).
//
// Grounded on the teacher's context-management helpers in
// internal/agent/compaction.go (token estimation and trim-oldest-first
// ordering); the strategy enum and orphaned-tool-message invariant are this
// runtime's own addition, expressed in the teacher's idiom.
package contextwindow

import (
	"math"

	"github.com/relaykit/agentcore/internal/envelope"
)

// Strategy selects how Fit behaves when messages exceed max_tokens.
type Strategy string

const (
	// StrategyKeepSystemAndRecent always anchors on a leading system
	// message (if present) and otherwise keeps the newest messages.
	StrategyKeepSystemAndRecent Strategy = "keep-system-and-recent"
	// StrategyKeepRecent is identical but without the system anchor.
	StrategyKeepRecent Strategy = "keep-recent"
	// StrategySummarize is reserved: it degrades to
	// StrategyKeepSystemAndRecent unless a Summarizer is configured.
	StrategySummarize Strategy = "summarize"
)

// perMessageOverhead accounts for role and tool-call-id framing that isn't
// part of Content but still costs the provider tokens.
const perMessageOverhead = 4

// Summarizer replaces a dropped message prefix with a single system-role
// summary message. When nil, StrategySummarize degrades to
// StrategyKeepSystemAndRecent.
type Summarizer interface {
	Summarize(dropped []envelope.Message) envelope.Message
}

// EstimateTokens approximates one message's token cost as
// ceil(len(content)/4) plus a small fixed overhead.
func EstimateTokens(m envelope.Message) int {
	return int(math.Ceil(float64(len(m.Content))/4.0)) + perMessageOverhead
}

func totalTokens(messages []envelope.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m)
	}
	return total
}

// Fit trims messages to fit within maxTokens per the chosen strategy.
// Fit never splits a message, and when it drops an assistant message that
// carries tool_calls it also drops the tool-role messages answering those
// calls, preserving the invariant that every retained tool-role message is
// reachable from a retained assistant tool-call.
func Fit(messages []envelope.Message, maxTokens int, strategy Strategy, summarizer Summarizer) []envelope.Message {
	if totalTokens(messages) <= maxTokens {
		return messages
	}

	switch strategy {
	case StrategySummarize:
		if summarizer == nil {
			return fitKeepRecent(messages, maxTokens, true)
		}
		return fitSummarize(messages, maxTokens, summarizer)
	case StrategyKeepRecent:
		return fitKeepRecent(messages, maxTokens, false)
	case StrategyKeepSystemAndRecent:
		fallthrough
	default:
		return fitKeepRecent(messages, maxTokens, true)
	}
}

// fitKeepRecent greedily keeps the newest messages (and, if anchorSystem,
// message 0 when it is a system message) until the budget is reached,
// then repairs any orphaned tool-role messages left dangling by a dropped
// assistant tool-call.
func fitKeepRecent(messages []envelope.Message, maxTokens int, anchorSystem bool) []envelope.Message {
	if len(messages) == 0 {
		return messages
	}

	anchorIdx := -1
	budget := maxTokens
	if anchorSystem && messages[0].Role == envelope.RoleSystem {
		anchorIdx = 0
		budget -= EstimateTokens(messages[0])
	}

	kept := make(map[int]bool)
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if i == anchorIdx {
			continue
		}
		cost := EstimateTokens(messages[i])
		if used+cost > budget {
			continue
		}
		kept[i] = true
		used += cost
	}
	if anchorIdx == 0 {
		kept[0] = true
	}

	return repairOrphans(messages, kept)
}

// repairOrphans drops any kept tool-role message whose originating
// assistant tool-call was itself dropped, then rebuilds the slice in
// original order.
func repairOrphans(messages []envelope.Message, kept map[int]bool) []envelope.Message {
	liveCallIDs := make(map[string]bool)
	for i, m := range messages {
		if !kept[i] {
			continue
		}
		for _, tc := range m.ToolCalls {
			liveCallIDs[tc.ID] = true
		}
	}

	out := make([]envelope.Message, 0, len(messages))
	for i, m := range messages {
		if !kept[i] {
			continue
		}
		if m.Role == envelope.RoleTool && !liveCallIDs[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func fitSummarize(messages []envelope.Message, maxTokens int, summarizer Summarizer) []envelope.Message {
	kept := fitKeepRecent(messages, maxTokens, true)
	if len(kept) == len(messages) {
		return kept
	}

	keptSet := make(map[string]bool, len(kept))
	for _, m := range kept {
		keptSet[messageKey(m)] = true
	}

	var dropped []envelope.Message
	for _, m := range messages {
		if !keptSet[messageKey(m)] {
			dropped = append(dropped, m)
		}
	}
	if len(dropped) == 0 {
		return kept
	}

	summary := summarizer.Summarize(dropped)

	if len(kept) > 0 && kept[0].Role == envelope.RoleSystem {
		out := make([]envelope.Message, 0, len(kept)+1)
		out = append(out, kept[0], summary)
		out = append(out, kept[1:]...)
		return out
	}

	out := make([]envelope.Message, 0, len(kept)+1)
	out = append(out, summary)
	out = append(out, kept...)
	return out
}

// messageKey distinguishes messages by content identity for the summarize
// path's dropped-set computation; good enough since history entries are
// never byte-identical duplicates in practice.
func messageKey(m envelope.Message) string {
	return string(m.Role) + "|" + m.Content + "|" + m.ToolCallID
}

// TrimHistory enforces the agent-level invariant (§3, §4.6): when
// len(history) > maxHistory, drop the oldest non-system messages first,
// repairing any tool-role orphans the same way Fit does.
func TrimHistory(history []envelope.Message, maxHistory int) []envelope.Message {
	if maxHistory <= 0 || len(history) <= maxHistory {
		return history
	}

	kept := make(map[int]bool, len(history))
	for i := range history {
		kept[i] = true
	}

	// Drop oldest non-system messages first until within budget.
	for count := len(history); count > maxHistory; {
		dropped := false
		for i := 0; i < len(history); i++ {
			if !kept[i] || history[i].Role == envelope.RoleSystem {
				continue
			}
			kept[i] = false
			count--
			dropped = true
			break
		}
		if !dropped {
			break // nothing left to drop but still over budget (all system)
		}
	}

	return repairOrphans(history, kept)
}
