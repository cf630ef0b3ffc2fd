package llmswitch

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponsesSwitch converts between the OpenAI Responses dialect and Chat.
type ResponsesSwitch struct{}

func (s *ResponsesSwitch) Name() string { return "llmswitch-responses-chat" }

// responsesCarryFields are the request fields shared by both dialects.
var responsesCarryFields = []string{"model", "stream", "tools", "tool_choice", "parallel_tool_calls"}

// ToChat rebuilds a Responses request as a Chat request: instructions become
// the system message, input items become messages. Fields foreign to Chat are
// dropped.
func (s *ResponsesSwitch) ToChat(doc []byte) ([]byte, error) {
	root := gjson.ParseBytes(doc)
	out := []byte(`{}`)
	var err error
	for _, field := range responsesCarryFields {
		if value := root.Get(field); value.Exists() {
			if out, err = sjson.SetBytes(out, field, value.Value()); err != nil {
				return nil, err
			}
		}
	}

	var messages []map[string]any
	if instructions := root.Get("instructions").String(); instructions != "" {
		messages = append(messages, map[string]any{"role": "system", "content": instructions})
	}

	input := root.Get("input")
	switch {
	case input.Type == gjson.String:
		messages = append(messages, map[string]any{"role": "user", "content": input.String()})
	case input.IsArray():
		for _, item := range input.Array() {
			if message := responsesItemToMessage(item); message != nil {
				messages = append(messages, message)
			}
		}
	}
	return sjson.SetBytes(out, "messages", messages)
}

// responsesItemToMessage maps one Responses input item onto a Chat message.
func responsesItemToMessage(item gjson.Result) map[string]any {
	switch item.Get("type").String() {
	case "function_call_output":
		return map[string]any{
			"role":         "tool",
			"tool_call_id": item.Get("call_id").String(),
			"content":      item.Get("output").String(),
		}
	case "message", "":
		role := item.Get("role").String()
		if role == "" {
			role = "user"
		}
		return map[string]any{"role": role, "content": flattenResponsesContent(item.Get("content"))}
	default:
		return nil
	}
}

func flattenResponsesContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		} else if part.Type == gjson.String {
			parts = append(parts, part.String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// FromChat projects a Chat completion into the Responses envelope.
func (s *ResponsesSwitch) FromChat(doc []byte) ([]byte, error) {
	root := gjson.ParseBytes(doc)
	out := []byte(`{}`)
	var err error

	id := root.Get("id").String()
	if id == "" {
		id = "resp_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if out, err = sjson.SetBytes(out, "id", id); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "object", "response"); err != nil {
		return nil, err
	}
	created := root.Get("created").Int()
	if created == 0 {
		created = time.Now().Unix()
	}
	if out, err = sjson.SetBytes(out, "created_at", created); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "model", root.Get("model").String()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "status", "completed"); err != nil {
		return nil, err
	}

	var output []map[string]any
	var outputText strings.Builder
	message := root.Get("choices.0.message")
	if text := message.Get("content").String(); text != "" {
		output = append(output, map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": []map[string]any{{"type": "output_text", "text": text}},
		})
		outputText.WriteString(text)
	}
	if calls := message.Get("tool_calls"); calls.IsArray() {
		for _, call := range calls.Array() {
			output = append(output, map[string]any{
				"type":      "tool_call",
				"id":        call.Get("id").String(),
				"tool_name": call.Get("function.name").String(),
				"arguments": call.Get("function.arguments").String(),
			})
		}
	}
	if out, err = sjson.SetBytes(out, "output", output); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "output_text", outputText.String()); err != nil {
		return nil, err
	}

	if usage := root.Get("usage"); usage.IsObject() {
		if out, err = sjson.SetBytes(out, "usage.input_tokens", usage.Get("prompt_tokens").Int()); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "usage.output_tokens", usage.Get("completion_tokens").Int()); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "usage.total_tokens", usage.Get("total_tokens").Int()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
