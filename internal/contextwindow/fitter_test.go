package contextwindow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/agentcore/internal/envelope"
)

func longMsg(role envelope.Role, content string) envelope.Message {
	return envelope.Message{Role: role, Content: content}
}

func TestFitReturnsUnchangedWhenUnderBudget(t *testing.T) {
	msgs := []envelope.Message{envelope.NewUserMessage("hi")}
	out := Fit(msgs, 1000, StrategyKeepSystemAndRecent, nil)
	assert.Equal(t, msgs, out)
}

func TestFitKeepsSystemAnchorAndNewestMessages(t *testing.T) {
	big := strings.Repeat("x", 400) // ~100 tokens + overhead
	msgs := []envelope.Message{
		envelope.NewSystemMessage("S"),
		longMsg(envelope.RoleUser, big),
		longMsg(envelope.RoleUser, big),
		envelope.NewUserMessage("newest"),
	}
	out := Fit(msgs, 110, StrategyKeepSystemAndRecent, nil)

	require.NotEmpty(t, out)
	assert.Equal(t, envelope.RoleSystem, out[0].Role)
	assert.Equal(t, "newest", out[len(out)-1].Content)
}

func TestFitKeepRecentHasNoSystemAnchor(t *testing.T) {
	big := strings.Repeat("x", 4000)
	msgs := []envelope.Message{
		envelope.NewSystemMessage("S"),
		longMsg(envelope.RoleUser, big),
		envelope.NewUserMessage("newest"),
	}
	out := Fit(msgs, 10, StrategyKeepRecent, nil)

	for _, m := range out {
		assert.NotEqual(t, envelope.RoleSystem, m.Role)
	}
}

func TestFitDropsOrphanedToolMessageWithItsAssistantCall(t *testing.T) {
	big := strings.Repeat("x", 4000)
	msgs := []envelope.Message{
		envelope.NewSystemMessage("S"),
		envelope.NewUserMessage("old padding: " + big),
		envelope.NewAssistantMessage("calling tool", []envelope.ToolCall{{ID: "tc1", Name: "calc"}}),
		envelope.NewToolMessage("tc1", "4"),
		envelope.NewUserMessage("newest"),
	}
	out := Fit(msgs, 20, StrategyKeepSystemAndRecent, nil)

	for _, m := range out {
		if m.Role == envelope.RoleTool {
			t.Fatalf("tool message %+v survived without its assistant call", m)
		}
	}
}

type stubSummarizer struct{ called int }

func (s *stubSummarizer) Summarize(dropped []envelope.Message) envelope.Message {
	s.called++
	return envelope.NewSystemMessage("summary of earlier turns")
}

func TestFitSummarizeDegradesWithoutSummarizer(t *testing.T) {
	big := strings.Repeat("x", 4000)
	msgs := []envelope.Message{
		envelope.NewSystemMessage("S"),
		longMsg(envelope.RoleUser, big),
		envelope.NewUserMessage("newest"),
	}
	out := Fit(msgs, 10, StrategySummarize, nil)
	assert.Equal(t, envelope.RoleSystem, out[0].Role)
	assert.Equal(t, "S", out[0].Content)
}

func TestFitSummarizeReplacesDroppedPrefix(t *testing.T) {
	big := strings.Repeat("x", 4000)
	msgs := []envelope.Message{
		envelope.NewSystemMessage("S"),
		longMsg(envelope.RoleUser, big),
		envelope.NewUserMessage("newest"),
	}
	summarizer := &stubSummarizer{}
	out := Fit(msgs, 16, StrategySummarize, summarizer)

	assert.Equal(t, 1, summarizer.called)
	assert.Equal(t, "S", out[0].Content)
	assert.Equal(t, "summary of earlier turns", out[1].Content)
	assert.Equal(t, "newest", out[len(out)-1].Content)
}

func TestTrimHistoryDropsOldestNonSystemFirst(t *testing.T) {
	history := []envelope.Message{
		envelope.NewSystemMessage("S"),
		envelope.NewUserMessage("u1"),
		envelope.NewAssistantMessage("a1", nil),
		envelope.NewUserMessage("u2"),
		envelope.NewUserMessage("u3"),
	}

	out := TrimHistory(history, 3)

	require.Len(t, out, 3)
	assert.Equal(t, envelope.RoleSystem, out[0].Role)
	assert.Equal(t, "u2", out[1].Content)
	assert.Equal(t, "u3", out[2].Content)
}

func TestTrimHistoryNoOpUnderBudget(t *testing.T) {
	history := []envelope.Message{envelope.NewUserMessage("u1")}
	out := TrimHistory(history, 5)
	assert.Equal(t, history, out)
}

func TestTrimHistoryDropsOrphanedToolMessage(t *testing.T) {
	history := []envelope.Message{
		envelope.NewUserMessage("u1"),
		envelope.NewAssistantMessage("calling", []envelope.ToolCall{{ID: "tc1", Name: "calc"}}),
		envelope.NewToolMessage("tc1", "4"),
		envelope.NewUserMessage("u2"),
	}

	out := TrimHistory(history, 2)

	// u1 and the assistant call are dropped; the tool reply is then an
	// orphan and goes too, leaving only u2.
	require.Len(t, out, 1)
	assert.Equal(t, "u2", out[0].Content)
	for _, m := range out {
		assert.NotEqual(t, envelope.RoleTool, m.Role)
	}
}
