package tools

import (
	"context"
	"encoding/json"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/promptloop"
)

// agentTool adapts one registered Actor, dispatched through an Executor, to
// promptloop.Tool so internal/promptloop never needs to know about the
// registry, approval gate, or sandbox plumbing behind a call.
type agentTool struct {
	agentID  string
	actor    Actor
	executor *Executor
}

func (t agentTool) Definition() envelope.ToolDefinition { return t.actor.Definition() }

func (t agentTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	call := envelope.ToolCall{ID: "", Name: t.actor.Name(), Arguments: args}
	result := t.executor.Execute(ctx, t.agentID, call)
	if result.Err != "" {
		return "", NewError(ErrExecution, t.actor.Name(), result.Err, nil)
	}
	return result.Result, nil
}

// ForAgent returns a promptloop.Tool for every tool actor registered in
// registry, bound to agentID so the approval gate and per-agent policy
// checks inside executor apply to its dispatches.
func ForAgent(registry *Registry, executor *Executor, agentID string) []promptloop.Tool {
	names := registry.Names()
	out := make([]promptloop.Tool, 0, len(names))
	for _, name := range names {
		actor, ok := registry.Get(name)
		if !ok {
			continue
		}
		out = append(out, agentTool{agentID: agentID, actor: actor, executor: executor})
	}
	return out
}
