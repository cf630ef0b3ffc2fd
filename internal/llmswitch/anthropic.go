package llmswitch

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicSwitch converts between Anthropic Messages and Chat.
type AnthropicSwitch struct{}

func (s *AnthropicSwitch) Name() string { return "llmswitch-anthropic-chat" }

// anthropicStopReasons maps OpenAI finish reasons onto Anthropic vocabulary.
var anthropicStopReasons = map[string]string{
	"stop":       "end_turn",
	"length":     "max_tokens",
	"tool_calls": "tool_use",
}

// ToChat rebuilds an Anthropic Messages request as Chat: the system prompt
// becomes a system message, content blocks expand into text, tool_calls, and
// tool-result messages.
func (s *AnthropicSwitch) ToChat(doc []byte) ([]byte, error) {
	root := gjson.ParseBytes(doc)
	out := []byte(`{}`)
	var err error
	for _, field := range []string{"model", "stream", "temperature", "top_p"} {
		if value := root.Get(field); value.Exists() {
			if out, err = sjson.SetBytes(out, field, value.Value()); err != nil {
				return nil, err
			}
		}
	}
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		if out, err = sjson.SetBytes(out, "max_tokens", maxTokens.Value()); err != nil {
			return nil, err
		}
	}
	if tools := root.Get("tools"); tools.IsArray() {
		var converted []map[string]any
		for _, tool := range tools.Array() {
			converted = append(converted, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Get("name").String(),
					"description": tool.Get("description").String(),
					"parameters":  tool.Get("input_schema").Value(),
				},
			})
		}
		if out, err = sjson.SetBytes(out, "tools", converted); err != nil {
			return nil, err
		}
	}

	var messages []map[string]any
	if system := root.Get("system"); system.Exists() {
		text := system.String()
		if system.IsArray() {
			var parts []string
			system.ForEach(func(_, block gjson.Result) bool {
				if t := block.Get("text").String(); t != "" {
					parts = append(parts, t)
				}
				return true
			})
			text = strings.Join(parts, "\n\n")
		}
		if text != "" {
			messages = append(messages, map[string]any{"role": "system", "content": text})
		}
	}
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		messages = append(messages, anthropicMessageToChat(message)...)
		return true
	})
	return sjson.SetBytes(out, "messages", messages)
}

// anthropicMessageToChat expands one Anthropic message; tool_result blocks
// split out into their own role:"tool" messages.
func anthropicMessageToChat(message gjson.Result) []map[string]any {
	role := message.Get("role").String()
	content := message.Get("content")
	if content.Type == gjson.String {
		return []map[string]any{{"role": role, "content": content.String()}}
	}
	if !content.IsArray() {
		return nil
	}

	var out []map[string]any
	var texts []string
	var toolCalls []map[string]any
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			texts = append(texts, block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		case "tool_result":
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": block.Get("tool_use_id").String(),
				"content":      flattenResponsesContent(block.Get("content")),
			})
		}
		return true
	})

	if len(texts) > 0 || len(toolCalls) > 0 {
		main := map[string]any{"role": role, "content": strings.Join(texts, "\n")}
		if len(toolCalls) > 0 {
			main["tool_calls"] = toolCalls
		}
		out = append(out, main)
	}
	return out
}

// FromChat projects a Chat completion into an Anthropic Messages response.
func (s *AnthropicSwitch) FromChat(doc []byte) ([]byte, error) {
	root := gjson.ParseBytes(doc)
	out := []byte(`{}`)
	var err error

	id := root.Get("id").String()
	if id == "" {
		id = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if out, err = sjson.SetBytes(out, "id", id); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "type", "message"); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "role", "assistant"); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "model", root.Get("model").String()); err != nil {
		return nil, err
	}

	var blocks []map[string]any
	message := root.Get("choices.0.message")
	if text := message.Get("content").String(); text != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": text})
	}
	if calls := message.Get("tool_calls"); calls.IsArray() {
		for _, call := range calls.Array() {
			var input any
			args := call.Get("function.arguments").String()
			parsed := gjson.Parse(args)
			if parsed.IsObject() || parsed.IsArray() {
				input = parsed.Value()
			} else {
				input = map[string]any{}
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    call.Get("id").String(),
				"name":  call.Get("function.name").String(),
				"input": input,
			})
		}
	}
	if out, err = sjson.SetBytes(out, "content", blocks); err != nil {
		return nil, err
	}

	reason := root.Get("choices.0.finish_reason").String()
	stopReason, ok := anthropicStopReasons[reason]
	if !ok {
		stopReason = "end_turn"
	}
	if out, err = sjson.SetBytes(out, "stop_reason", stopReason); err != nil {
		return nil, err
	}

	if usage := root.Get("usage"); usage.IsObject() {
		if out, err = sjson.SetBytes(out, "usage.input_tokens", usage.Get("prompt_tokens").Int()); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "usage.output_tokens", usage.Get("completion_tokens").Int()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
