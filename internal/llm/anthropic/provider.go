// Package anthropic implements the llm.Provider contract (§6) against
// Anthropic's Messages API, translating its block-based SSE stream into the
// normalized llm.StreamEvent vocabulary.
//
// Grounded on the teacher's internal/agent/providers/anthropic.go: same
// client/config/constructor shape and the same processStream
// switch-on-event-type translation, generalized from the teacher's
// agent.CompletionChunk vocabulary onto llm.StreamEvent.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/llm"
)

// Config holds the parameters needed to construct a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// DefaultConfig returns sensible defaults for optional fields.
func DefaultConfig() Config {
	return Config{DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 4096}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return cfg
}

// Provider wraps the Anthropic SDK client behind llm.Provider.
type Provider struct {
	client anthropic.Client
	cfg    Config
}

// New constructs a Provider. APIKey is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	cfg = sanitizeConfig(cfg)

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Send implements llm.Provider with a non-streaming completion, built by
// draining Stream internally.
func (p *Provider) Send(ctx context.Context, req envelope.LLMRequest) (llm.NonStreamingResult, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return llm.NonStreamingResult{}, err
	}

	var text strings.Builder
	var calls []envelope.ToolCall
	var stop envelope.StopReason
	for event := range events {
		switch event.Kind {
		case llm.EventToken:
			text.WriteString(event.Text)
		case llm.EventToolCall:
			calls = append(calls, event.ToolCall)
		case llm.EventEnd:
			stop = event.StopReason
		case llm.EventError:
			return llm.NonStreamingResult{}, llm.NewError(llm.ErrorType(event.ErrType), event.ErrMessage, nil)
		}
	}
	return llm.NonStreamingResult{Content: text.String(), ToolCalls: calls, StopReason: stop}, nil
}

// Stream implements llm.Provider, translating Anthropic's SSE block stream
// into the abstract llm.StreamEvent sequence. The returned channel is closed
// after exactly one EventEnd or EventError.
func (p *Provider) Stream(ctx context.Context, req envelope.LLMRequest) (<-chan llm.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, llm.NewError(llm.ErrInvalidRequest, err.Error(), err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan llm.StreamEvent, 8)
	go p.translate(stream, out)
	return out, nil
}

func (p *Provider) buildParams(req envelope.LLMRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.DefaultModel),
		Messages:  messages,
		MaxTokens: int64(p.cfg.MaxTokens),
	}

	for _, m := range req.Messages {
		if m.Role == envelope.RoleSystem && m.Content != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Type: "text", Text: m.Content})
		}
	}

	if req.Sampling.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		params.TopP = anthropic.Float(*req.Sampling.TopP)
	}
	if req.Sampling.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.Sampling.TopK))
	}
	if len(req.Sampling.StopSequences) > 0 {
		params.StopSequences = req.Sampling.StopSequences
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

func convertMessages(messages []envelope.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == envelope.RoleSystem {
			continue // handled separately via params.System
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" && msg.Role != envelope.RoleTool {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == envelope.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		var message anthropic.MessageParam
		if msg.Role == envelope.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}

	return result, nil
}

func convertTools(tools []envelope.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: missing tool definition for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// anthropicStream is the subset of ssestream.Stream this package drives,
// narrowed for testability with a fake.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// maxEmptyStreamEvents bounds consecutive no-op events before the stream is
// treated as malformed, matching the teacher's stream-flood guard.
const maxEmptyStreamEvents = 300

func (p *Provider) translate(stream anthropicStream, out chan<- llm.StreamEvent) {
	defer close(out)

	out <- llm.StreamEvent{Kind: llm.EventStart}

	var openToolID, openToolName string
	var toolInput strings.Builder
	emptyCount := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				openToolID = toolUse.ID
				openToolName = toolUse.Name
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- llm.StreamEvent{Kind: llm.EventToken, Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if openToolID != "" {
				args := json.RawMessage(toolInput.String())
				if !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				out <- llm.StreamEvent{Kind: llm.EventToolCall, ToolCall: envelope.ToolCall{
					ID: openToolID, Name: openToolName, Arguments: args,
				}}
				openToolID = ""
				openToolName = ""
				processed = true
			}

		case "message_delta":
			stop := string(event.AsMessageDelta().Delta.StopReason)
			if stop != "" {
				out <- llm.StreamEvent{Kind: llm.EventEnd, StopReason: envelope.NormalizeStopReason(stop)}
				return
			}
			processed = true

		case "message_stop":
			out <- llm.StreamEvent{Kind: llm.EventEnd, StopReason: envelope.StopEndTurn}
			return

		case "error":
			out <- llm.StreamEvent{Kind: llm.EventError, ErrType: string(llm.ErrAPI), ErrMessage: "anthropic stream error"}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				out <- llm.StreamEvent{Kind: llm.EventError, ErrType: string(llm.ErrStream), ErrMessage: fmt.Sprintf("stream appears malformed: %d consecutive empty events", emptyCount)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- llm.StreamEvent{Kind: llm.EventError, ErrType: string(classifyErr(err)), ErrMessage: err.Error()}
		return
	}

	// Defensive: the SDK stream ended without message_stop/message_delta.
	out <- llm.StreamEvent{Kind: llm.EventEnd, StopReason: envelope.StopEndTurn}
}

func classifyErr(err error) llm.ErrorType {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return llm.ErrRateLimited
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return llm.ErrAuthentication
		case apiErr.StatusCode >= 500:
			return llm.ErrAPI
		default:
			return llm.ErrInvalidRequest
		}
	}
	return llm.ErrNetwork
}
