// Package openaicompat implements the llm.Provider contract (§6) against
// any OpenAI-compatible chat-completions endpoint, translating its
// flat per-token delta stream into the normalized llm.StreamEvent
// vocabulary.
//
// Grounded on the teacher's internal/agent/providers/openai.go: same
// client/constructor shape and the same processStream per-delta loop,
// generalized from the teacher's agent.CompletionChunk vocabulary onto
// llm.StreamEvent and extended to accept a configurable BaseURL so one
// implementation covers OpenAI itself and self-hosted/compatible gateways.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaykit/agentcore/internal/envelope"
	"github.com/relaykit/agentcore/internal/llm"
)

// Config holds the parameters needed to construct a Provider.
type Config struct {
	APIKey       string
	BaseURL      string // empty uses the default OpenAI endpoint
	DefaultModel string
	MaxTokens    int
}

// DefaultConfig returns sensible defaults for optional fields.
func DefaultConfig() Config {
	return Config{DefaultModel: "gpt-4o", MaxTokens: 4096}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return cfg
}

// Provider wraps a sashabaranov/go-openai client behind llm.Provider.
type Provider struct {
	client *openai.Client
	cfg    Config
}

// New constructs a Provider. APIKey is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openaicompat: API key is required")
	}
	cfg = sanitizeConfig(cfg)

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return "openai-compatible" }

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

// Stream implements llm.Provider, translating the OpenAI-compatible
// per-token delta stream into the abstract llm.StreamEvent sequence. The
// returned channel is closed after exactly one EventEnd or EventError.
func (p *Provider) Stream(ctx context.Context, req envelope.LLMRequest) (<-chan llm.StreamEvent, error) {
	chatReq := p.buildRequest(req)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyDispatchErr(err)
	}

	out := make(chan llm.StreamEvent, 8)
	go translate(ctx, stream, out)
	return out, nil
}

func (p *Provider) buildRequest(req envelope.LLMRequest) openai.ChatCompletionRequest {
	messages := convertMessages(req.Messages)

	chatReq := openai.ChatCompletionRequest{
		Model:     p.cfg.DefaultModel,
		Messages:  messages,
		MaxTokens: p.cfg.MaxTokens,
		Stream:    true,
	}

	if req.Sampling.Temperature != nil {
		chatReq.Temperature = float32(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		chatReq.TopP = float32(*req.Sampling.TopP)
	}
	if req.Sampling.FrequencyPenalty != nil {
		chatReq.FrequencyPenalty = float32(*req.Sampling.FrequencyPenalty)
	}
	if req.Sampling.PresencePenalty != nil {
		chatReq.PresencePenalty = float32(*req.Sampling.PresencePenalty)
	}
	if req.Sampling.Seed != nil {
		seed := int(*req.Sampling.Seed)
		chatReq.Seed = &seed
	}
	if len(req.Sampling.StopSequences) > 0 {
		chatReq.Stop = req.Sampling.StopSequences
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	return chatReq
}

func convertMessages(messages []envelope.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case envelope.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case envelope.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case envelope.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			result = append(result, oaiMsg)
		case envelope.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}

	return result
}

func convertTools(tools []envelope.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

// chatStream is the subset of openai.ChatCompletionStream this package
// drives, narrowed for testability with a fake.
type chatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close()
}

func translate(ctx context.Context, stream chatStream, out chan<- llm.StreamEvent) {
	defer close(out)
	defer stream.Close()

	out <- llm.StreamEvent{Kind: llm.EventStart}

	type pendingCall struct {
		id, name string
		args     strings.Builder
	}
	calls := map[int]*pendingCall{}
	order := []int{}

	flushCalls := func() {
		for _, idx := range order {
			pc := calls[idx]
			if pc == nil || pc.id == "" || pc.name == "" {
				continue
			}
			args := json.RawMessage(pc.args.String())
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			out <- llm.StreamEvent{Kind: llm.EventToolCall, ToolCall: envelope.ToolCall{ID: pc.id, Name: pc.name, Arguments: args}}
		}
		calls = map[int]*pendingCall{}
		order = nil
	}

	for {
		select {
		case <-ctx.Done():
			out <- llm.StreamEvent{Kind: llm.EventError, ErrType: string(llm.ErrTimeout), ErrMessage: ctx.Err().Error()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushCalls()
				out <- llm.StreamEvent{Kind: llm.EventEnd, StopReason: envelope.StopEndTurn}
				return
			}
			out <- llm.StreamEvent{Kind: llm.EventError, ErrType: string(classifyStreamErr(err)), ErrMessage: err.Error()}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- llm.StreamEvent{Kind: llm.EventToken, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &pendingCall{}
				calls[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			flushCalls()
			out <- llm.StreamEvent{Kind: llm.EventEnd, StopReason: envelope.NormalizeStopReason(mapFinishReason(choice.FinishReason))}
			return
		}
	}
}

// mapFinishReason normalizes OpenAI's finish_reason vocabulary onto the
// runtime's stop reasons (tool_calls -> tool_use, length -> max_tokens).
func mapFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return string(envelope.StopToolUse)
	case openai.FinishReasonLength:
		return string(envelope.StopMaxTokens)
	case openai.FinishReasonStop:
		return string(envelope.StopEndTurn)
	default:
		return string(envelope.StopEndTurn)
	}
}

func classifyDispatchErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}
	return llm.NewError(llm.ErrNetwork, err.Error(), err)
}

func classifyStreamErr(err error) llm.ErrorType {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if e, ok := classifyAPIError(apiErr).(*llm.Error); ok {
			return e.Type
		}
	}
	return llm.ErrStream
}

func classifyAPIError(apiErr *openai.APIError) error {
	switch {
	case apiErr.HTTPStatusCode == 429:
		return llm.NewError(llm.ErrRateLimited, apiErr.Message, apiErr)
	case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
		return llm.NewError(llm.ErrAuthentication, apiErr.Message, apiErr)
	case apiErr.HTTPStatusCode >= 500:
		e := llm.NewError(llm.ErrAPI, apiErr.Message, apiErr)
		e.Status = apiErr.HTTPStatusCode
		return e
	default:
		return llm.NewError(llm.ErrInvalidRequest, apiErr.Message, apiErr)
	}
}
