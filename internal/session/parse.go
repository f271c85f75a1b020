package session

import "github.com/workfarm/workfarm/internal/model"

// Terminal describes a parsed terminal {type:"result"} event.
type Terminal struct {
	Subtype           string // "close" | "success" | "error"
	ExitCode          int
	Result            string
	PermissionDenials []string // tool names, as reported (not yet deduped/cased)
}

// ParseEvent maps one raw worker event into zero or more SessionMessages
// plus, for a terminal result event, a non-nil Terminal. This is the
// pure mapping table of spec.md §4.9; statefulness (has an assistant
// message already been appended, generation tracking) lives in Manager.
func ParseEvent(data map[string]any) ([]model.SessionMessage, *Terminal) {
	typ, _ := data["type"].(string)

	switch typ {
	case "assistant":
		return parseAssistant(data), nil

	case "content_block_start":
		block, _ := data["content_block"].(map[string]any)
		return parseContentBlockStart(block), nil

	case "content_block_delta":
		delta, _ := data["delta"].(map[string]any)
		return parseContentBlockDelta(delta), nil

	case "tool_result":
		return []model.SessionMessage{{Type: model.MessageToolResult, Content: stringOf(data["content"])}}, nil

	case "system":
		if subtype, _ := data["subtype"].(string); subtype == "tool_result" {
			return []model.SessionMessage{{Type: model.MessageToolResult, Content: stringOf(data["content"])}}, nil
		}
		return []model.SessionMessage{{Type: model.MessageSystem, Content: stringOf(data["content"])}}, nil

	case "result":
		return nil, parseTerminal(data)
	}

	return nil, nil
}

func parseAssistant(data map[string]any) []model.SessionMessage {
	message, _ := data["message"].(map[string]any)
	if message == nil {
		return nil
	}
	switch content := message["content"].(type) {
	case string:
		if content == "" {
			return nil
		}
		return []model.SessionMessage{{Type: model.MessageAssistant, Content: content}}
	case []any:
		var msgs []model.SessionMessage
		for _, raw := range content {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if blockType, _ := block["type"].(string); blockType == "text" {
				if text := stringOf(block["text"]); text != "" {
					msgs = append(msgs, model.SessionMessage{Type: model.MessageAssistant, Content: text})
				}
			}
			// Non-text blocks (tool_use, etc.) are ignored here per spec table.
		}
		return msgs
	}
	return nil
}

func parseContentBlockStart(block map[string]any) []model.SessionMessage {
	if block == nil {
		return nil
	}
	switch block["type"] {
	case "thinking":
		return []model.SessionMessage{{Type: model.MessageThinking, Content: stringOf(block["thinking"])}}
	case "tool_use":
		return []model.SessionMessage{{
			Type:    model.MessageToolUse,
			Content: "",
			Metadata: map[string]any{
				"toolName": block["name"],
				"toolId":   block["id"],
				"input":    block["input"],
			},
		}}
	case "text":
		if text := stringOf(block["text"]); text != "" {
			return []model.SessionMessage{{Type: model.MessageAssistant, Content: text}}
		}
	}
	return nil
}

func parseContentBlockDelta(delta map[string]any) []model.SessionMessage {
	if delta == nil {
		return nil
	}
	switch delta["type"] {
	case "thinking_delta":
		return []model.SessionMessage{{Type: model.MessageThinking, Content: stringOf(delta["thinking"])}}
	case "text_delta":
		return []model.SessionMessage{{Type: model.MessageAssistant, Content: stringOf(delta["text"])}}
	case "input_json_delta":
		return nil // partial JSON noise, dropped per spec table
	}
	return nil
}

func parseTerminal(data map[string]any) *Terminal {
	t := &Terminal{
		Subtype: stringOf(data["subtype"]),
		Result:  stringOf(data["result"]),
	}
	if code, ok := data["exitCode"]; ok {
		switch v := code.(type) {
		case int:
			t.ExitCode = v
		case float64:
			t.ExitCode = int(v)
		}
	}
	if denials, ok := data["permission_denials"].([]any); ok {
		for _, d := range denials {
			if m, ok := d.(map[string]any); ok {
				if name := stringOf(m["tool_name"]); name != "" {
					t.PermissionDenials = append(t.PermissionDenials, name)
				}
			} else if name, ok := d.(string); ok {
				t.PermissionDenials = append(t.PermissionDenials, name)
			}
		}
	}
	return t
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
