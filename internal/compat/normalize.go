package compat

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// finishReasonTable maps provider finish reasons onto the OpenAI vocabulary.
// Unknown values default to "stop".
var finishReasonTable = map[string]string{
	"stop":           "stop",
	"length":         "length",
	"tool_calls":     "tool_calls",
	"function_call":  "tool_calls",
	"content_filter": "content_filter",
	"max_tokens":     "length",
	"end_turn":       "stop",
}

// NewCompletionID mints an OpenAI-style chat completion id.
func NewCompletionID() string {
	return "chatcmpl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NormalizeChatResponse synthesizes the OpenAI envelope fields a provider may
// omit and rebuilds choices into well-formed Chat Completion shape.
func NormalizeChatResponse(doc []byte, requestModel string) ([]byte, error) {
	var err error
	if !gjson.GetBytes(doc, "object").Exists() {
		if doc, err = sjson.SetBytes(doc, "object", "chat.completion"); err != nil {
			return nil, err
		}
	}
	if gjson.GetBytes(doc, "id").String() == "" {
		if doc, err = sjson.SetBytes(doc, "id", NewCompletionID()); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(doc, "created").Exists() {
		if doc, err = sjson.SetBytes(doc, "created", time.Now().Unix()); err != nil {
			return nil, err
		}
	}
	if gjson.GetBytes(doc, "model").String() == "" {
		model := requestModel
		if model == "" {
			model = "unknown"
		}
		if doc, err = sjson.SetBytes(doc, "model", model); err != nil {
			return nil, err
		}
	}

	choices := gjson.GetBytes(doc, "choices")
	if !choices.IsArray() {
		return doc, nil
	}
	for i, choice := range choices.Array() {
		base := "choices." + itoa(i)

		reason := choice.Get("finish_reason").String()
		mapped, ok := finishReasonTable[reason]
		if !ok {
			mapped = "stop"
		}
		if doc, err = sjson.SetBytes(doc, base+".finish_reason", mapped); err != nil {
			return nil, err
		}

		message := choice.Get("message")
		if !message.Exists() {
			continue
		}
		// Content must be a string, never null.
		content := message.Get("content")
		switch {
		case content.Type == gjson.String:
		case !content.Exists() || content.Type == gjson.Null:
			if doc, err = sjson.SetBytes(doc, base+".message.content", ""); err != nil {
				return nil, err
			}
		default:
			if doc, err = sjson.SetBytes(doc, base+".message.content", extractText(content)); err != nil {
				return nil, err
			}
		}

		if calls := message.Get("tool_calls"); calls.IsArray() {
			for j, call := range calls.Array() {
				callBase := base + ".message.tool_calls." + itoa(j)
				id := call.Get("id").String()
				if id == "" {
					id = "call_" + uuid.NewString()
					if doc, err = sjson.SetBytes(doc, callBase+".id", id); err != nil {
						return nil, err
					}
				}
				if doc, err = sjson.SetBytes(doc, callBase+".type", "function"); err != nil {
					return nil, err
				}
				args, errArgs := CanonicalToolCallArgs(call.Get("function.arguments"))
				if errArgs != nil {
					return nil, errArgs
				}
				if doc, err = sjson.SetBytes(doc, callBase+".function.arguments", args); err != nil {
					return nil, err
				}
			}
		}
	}
	return doc, nil
}

// ValidateChatResponse enforces the strict response contract after
// normalization.
func ValidateChatResponse(doc []byte) error {
	root := gjson.ParseBytes(doc)
	if root.Get("id").Type != gjson.String || root.Get("id").String() == "" {
		return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: response id missing or not a string")
	}
	if created := root.Get("created"); !created.Exists() || created.Type != gjson.Number {
		return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: response created missing or not a number")
	}
	if root.Get("model").Type != gjson.String || root.Get("model").String() == "" {
		return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: response model missing or not a string")
	}
	choices := root.Get("choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: response has no choices")
	}
	for _, choice := range choices.Array() {
		message := choice.Get("message")
		if !message.IsObject() {
			return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: choice message missing")
		}
		if message.Get("role").String() == "" {
			return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: choice message has no role")
		}
		if content := message.Get("content"); content.Exists() && content.Type != gjson.String && content.Type != gjson.Null {
			return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: choice message content is not a string")
		}
		if choice.Get("finish_reason").String() == "" {
			return routeerr.New(routeerr.CodeCompatResponseInvalid, "compat: choice has no finish_reason")
		}
	}
	usage := root.Get("usage")
	if usage.IsObject() {
		prompt := usage.Get("prompt_tokens")
		completion := usage.Get("completion_tokens")
		total := usage.Get("total_tokens")
		if prompt.Exists() && completion.Exists() && total.Exists() {
			if prompt.Int()+completion.Int() != total.Int() {
				return routeerr.New(routeerr.CodeCompatResponseInvalid,
					"compat: usage total_tokens %d != prompt %d + completion %d", total.Int(), prompt.Int(), completion.Int())
			}
		}
	}
	return nil
}
