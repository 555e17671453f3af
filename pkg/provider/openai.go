package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/threadwell/loom/pkg/message"
)

// OpenAIProvider implements Provider over the OpenAI chat completions
// streaming API. Tool calls arrive as indexed argument deltas which map
// onto the same block start/delta/stop protocol the thread consumes.
type OpenAIProvider struct {
	client openai.Client
	logger zerolog.Logger
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey string, logger zerolog.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// SendMessage dispatches a streaming request and returns a cancellable handle
func (p *OpenAIProvider) SendMessage(ctx context.Context, req Request, onEvent func(StreamEvent)) (Handle, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)

	go func() {
		defer cancel()

		stream := p.client.Chat.Completions.NewStreaming(streamCtx, params)
		acc := openai.ChatCompletionAccumulator{}

		// Tool call deltas are keyed by the chunk's tool index; text
		// occupies stream index 0 and tool calls follow it.
		openBlocks := map[int]bool{}
		textStarted := false
		finish := ""

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !textStarted {
					textStarted = true
					onEvent(StreamEvent{Type: EventBlockStart, Index: 0, Block: &message.Block{Type: message.BlockText}})
				}
				onEvent(StreamEvent{Type: EventBlockDelta, Index: 0, TextDelta: choice.Delta.Content})
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index) + 1
				if !openBlocks[idx] {
					openBlocks[idx] = true
					onEvent(StreamEvent{Type: EventBlockStart, Index: idx, Block: &message.Block{
						Type:    message.BlockToolUse,
						Request: &message.ToolRequest{ID: tc.ID, ToolName: tc.Function.Name},
					}})
				}
				if tc.Function.Arguments != "" {
					onEvent(StreamEvent{Type: EventBlockDelta, Index: idx, InputDelta: tc.Function.Arguments})
				}
			}

			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			if h.Aborted() {
				h.finish(message.StopInfo{Reason: message.StopAborted, Usage: message.SentinelUsage()}, nil)
				return
			}
			p.logger.Warn().Err(err).Str("model", req.Model).Msg("OpenAI stream failed")
			h.finish(message.StopInfo{}, err)
			return
		}

		if textStarted {
			onEvent(StreamEvent{Type: EventBlockStop, Index: 0})
		}
		for idx := range openBlocks {
			onEvent(StreamEvent{Type: EventBlockStop, Index: idx})
		}

		stop := message.StopInfo{
			Reason: mapOpenAIFinishReason(finish),
			Usage: message.Usage{
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
			},
		}
		onEvent(StreamEvent{Type: EventMessageStop, Stop: &stop})
		h.finish(stop, nil)
	}()

	return h, nil
}

// buildParams converts a Request into chat completion parameters
func (p *OpenAIProvider) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case message.RoleUser:
			for _, b := range msg.Content {
				switch b.Type {
				case message.BlockText:
					if b.Text != "" {
						messages = append(messages, openai.UserMessage(b.Text))
					}
				case message.BlockToolResult:
					if b.Result != nil {
						content := b.Result.Content
						if b.Result.IsError {
							content = fmt.Sprintf("Error: %s", content)
						}
						messages = append(messages, openai.ToolMessage(b.Result.RequestID, content))
					}
				}
			}

		case message.RoleAssistant:
			text := msg.Text()
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, b := range msg.Content {
				if !b.IsResolvedToolUse() {
					continue
				}
				args, err := json.Marshal(b.Request.Input)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool input: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   b.Request.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      b.Request.ToolName,
						Arguments: string(args),
					},
				})
			}

			if len(toolCalls) > 0 {
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   text,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else if text != "" {
				messages = append(messages, openai.AssistantMessage(text))
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func mapOpenAIFinishReason(reason string) message.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return message.StopToolUse
	case "length":
		return message.StopMaxTokens
	default:
		return message.StopEndTurn
	}
}
