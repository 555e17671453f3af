package message

import "fmt"

// ResultLookup resolves the current tool result for a request id. The
// second return value is false when no tool is known for the id.
type ResultLookup func(requestID string) (ToolResult, bool)

// NewToolResultMessage wraps a tool result in a synthetic user message
// carrying exactly one tool_result block.
func NewToolResultMessage(res ToolResult) Message {
	m := New(RoleUser)
	r := res
	m.Content = append(m.Content, Block{Type: BlockToolResult, Result: &r})
	return m
}

// ExpandToolResults serializes history for transmission. Every resolved
// tool_use block in an assistant message is followed by a synthetic
// user message carrying exactly one tool_result with the matching id,
// in original request order, regardless of how text and tool calls were
// interleaved in the narrative. Requests already answered by an
// explicit tool_result later in the history are left alone, so the
// expansion is idempotent. Malformed requests that still carry an id
// get a synthesized error result to keep the wire pairing invariant;
// malformed requests without an id are unanswerable and are skipped.
// Running tools serialize whatever provisional result the lookup
// returns.
func ExpandToolResults(history []Message, lookup ResultLookup) []Message {
	answered := make(map[string]bool)
	for _, msg := range history {
		for _, b := range msg.Content {
			if b.Type == BlockToolResult && b.Result != nil {
				answered[b.Result.RequestID] = true
			}
		}
	}

	out := make([]Message, 0, len(history))

	for _, msg := range history {
		out = append(out, msg)
		if msg.Role != RoleAssistant {
			continue
		}

		for _, b := range msg.Content {
			switch {
			case b.IsResolvedToolUse():
				if answered[b.Request.ID] {
					continue
				}
				res, ok := lookup(b.Request.ID)
				if !ok {
					res = ToolResult{
						RequestID: b.Request.ID,
						Content:   fmt.Sprintf("no result recorded for tool %q", b.Request.ToolName),
						IsError:   true,
					}
				}
				out = append(out, NewToolResultMessage(res))

			case b.Type == BlockToolUse && b.Malformed != nil && b.Malformed.ID != "":
				if answered[b.Malformed.ID] {
					continue
				}
				out = append(out, NewToolResultMessage(ToolResult{
					RequestID: b.Malformed.ID,
					Content:   fmt.Sprintf("malformed tool request: %s", b.Malformed.Reason),
					IsError:   true,
				}))
			}
		}
	}

	return out
}
