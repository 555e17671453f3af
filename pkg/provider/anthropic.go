package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/threadwell/loom/pkg/message"
)

// AnthropicProvider implements Provider over the Anthropic streaming API
type AnthropicProvider struct {
	client anthropic.Client
	logger zerolog.Logger
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string, logger zerolog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// SendMessage dispatches a streaming request and returns a cancellable handle
func (p *AnthropicProvider) SendMessage(ctx context.Context, req Request, onEvent func(StreamEvent)) (Handle, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)

	params := p.buildParams(req)

	go func() {
		defer cancel()

		stream := p.client.Messages.NewStreaming(streamCtx, params)

		var stop message.StopInfo
		stop.Reason = message.StopEndTurn

		for stream.Next() {
			event := stream.Current()

			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				stop.Usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockStartEvent:
				if blk := startedBlock(ev); blk != nil {
					onEvent(StreamEvent{Type: EventBlockStart, Index: int(ev.Index), Block: blk})
				}

			case anthropic.ContentBlockDeltaEvent:
				out := StreamEvent{Type: EventBlockDelta, Index: int(ev.Index)}
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out.TextDelta = d.Text
				case anthropic.ThinkingDelta:
					out.TextDelta = d.Thinking
				case anthropic.InputJSONDelta:
					out.InputDelta = d.PartialJSON
				default:
					continue
				}
				onEvent(out)

			case anthropic.ContentBlockStopEvent:
				onEvent(StreamEvent{Type: EventBlockStop, Index: int(ev.Index)})

			case anthropic.MessageDeltaEvent:
				stop.Reason = mapAnthropicStopReason(string(ev.Delta.StopReason))
				stop.Usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			if h.Aborted() {
				h.finish(message.StopInfo{Reason: message.StopAborted, Usage: message.SentinelUsage()}, nil)
				return
			}
			p.logger.Warn().Err(err).Str("model", req.Model).Msg("Anthropic stream failed")
			h.finish(message.StopInfo{}, err)
			return
		}

		onEvent(StreamEvent{Type: EventMessageStop, Stop: &stop})
		h.finish(stop, nil)
	}()

	return h, nil
}

// buildParams converts a Request into Anthropic wire parameters
func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, msg := range req.Messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
		for _, b := range msg.Content {
			switch b.Type {
			case message.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case message.BlockToolUse:
				if b.Request != nil {
					blocks = append(blocks, anthropic.NewToolUseBlock(b.Request.ID, b.Request.Input, b.Request.ToolName))
				}
			case message.BlockToolResult:
				if b.Result != nil {
					blocks = append(blocks, anthropic.NewToolResultBlock(b.Result.RequestID, b.Result.Content, b.Result.IsError))
				}
			}
			// Thinking and server_tool_use blocks are provider-managed
			// and are not replayed on resend.
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == message.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{Role: role, Content: blocks})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: spec.InputSchema["properties"],
				},
			}
			if required, ok := spec.InputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			} else if required, ok := spec.InputSchema["required"].([]interface{}); ok {
				strs := make([]string, len(required))
				for i, v := range required {
					strs[i], _ = v.(string)
				}
				toolParam.InputSchema.Required = strs
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

// startedBlock maps a content_block_start event to the partial block
// the thread will accumulate into. Tool input arrives later as JSON
// deltas, so requests start with nil input.
func startedBlock(ev anthropic.ContentBlockStartEvent) *message.Block {
	switch blk := ev.ContentBlock.AsAny().(type) {
	case anthropic.TextBlock:
		return &message.Block{Type: message.BlockText, Text: blk.Text}
	case anthropic.ThinkingBlock:
		return &message.Block{Type: message.BlockThinking, Text: blk.Thinking}
	case anthropic.ToolUseBlock:
		return &message.Block{
			Type:    message.BlockToolUse,
			Request: &message.ToolRequest{ID: blk.ID, ToolName: blk.Name},
		}
	case anthropic.ServerToolUseBlock:
		return &message.Block{
			Type:    message.BlockServerToolUse,
			Request: &message.ToolRequest{ID: blk.ID, ToolName: string(blk.Name)},
		}
	default:
		return nil
	}
}

func mapAnthropicStopReason(reason string) message.StopReason {
	switch reason {
	case "tool_use":
		return message.StopToolUse
	case "max_tokens":
		return message.StopMaxTokens
	case "end_turn", "stop_sequence", "":
		return message.StopEndTurn
	default:
		return message.StopReason(reason)
	}
}
