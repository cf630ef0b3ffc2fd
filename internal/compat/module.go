package compat

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// RequestContext carries per-request facts the adapters need.
type RequestContext struct {
	// Provider is the upstream provider family key.
	Provider string
	// Model is the model named in the original client request, used when a
	// provider response omits its own.
	Model string
	// Stream marks a streaming request.
	Stream bool
}

// Module is one provider-family adapter. Implementations must be safe for
// concurrent use; per-call state stays on the stack.
type Module interface {
	Name() string
	// ProcessIncoming adapts an OpenAI-canonical request to the provider's
	// native shape.
	ProcessIncoming(ctx context.Context, doc []byte, rctx *RequestContext) ([]byte, error)
	// ProcessOutgoing adapts a provider-native response back to OpenAI Chat
	// Completion shape.
	ProcessOutgoing(ctx context.Context, doc []byte, rctx *RequestContext) ([]byte, error)
}

// New returns the adapter for a provider family. Families without special
// needs get the passthrough adapter.
func New(provider string) (Module, error) {
	switch provider {
	case "qwen":
		return &QwenModule{}, nil
	case "iflow":
		return &IFlowModule{}, nil
	case "glm", "deepseek":
		return &GLMModule{name: "compat-" + provider}, nil
	case "lmstudio":
		return &LMStudioModule{}, nil
	case "openai", "anthropic", "gemini-cli", "antigravity", "passthrough":
		return &PassthroughModule{name: "compat-" + provider}, nil
	default:
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "compat: unknown provider family %q", provider)
	}
}

// applyModelTable rewrites the request model through a provider's alias
// table. Unlisted models pass through.
func applyModelTable(doc []byte, table map[string]string) ([]byte, error) {
	model := gjson.GetBytes(doc, "model").String()
	mapped, ok := table[model]
	if !ok {
		return doc, nil
	}
	return sjson.SetBytes(doc, "model", mapped)
}

// moveParameters relocates sampling knobs into the provider "parameters"
// block the portal dialects expect.
func moveParameters(doc []byte) ([]byte, error) {
	var err error
	if maxTokens := gjson.GetBytes(doc, "max_tokens"); maxTokens.Exists() {
		if doc, err = sjson.SetBytes(doc, "parameters.max_output_tokens", maxTokens.Value()); err != nil {
			return nil, err
		}
		if doc, err = sjson.DeleteBytes(doc, "max_tokens"); err != nil {
			return nil, err
		}
	}
	for _, knob := range []string{"temperature", "top_p", "frequency_penalty", "presence_penalty"} {
		value := gjson.GetBytes(doc, knob)
		if !value.Exists() {
			continue
		}
		if doc, err = sjson.SetBytes(doc, "parameters."+knob, value.Value()); err != nil {
			return nil, err
		}
		if doc, err = sjson.DeleteBytes(doc, knob); err != nil {
			return nil, err
		}
	}
	if stop := gjson.GetBytes(doc, "stop"); stop.Exists() {
		sequences := []any{}
		if stop.IsArray() {
			for _, s := range stop.Array() {
				sequences = append(sequences, s.Value())
			}
		} else {
			sequences = append(sequences, stop.Value())
		}
		if doc, err = sjson.SetBytes(doc, "parameters.stop_sequences", sequences); err != nil {
			return nil, err
		}
		if doc, err = sjson.DeleteBytes(doc, "stop"); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// buildPortalInput mirrors messages into the portal "input" array of
// {role, content: [{text}]} entries, leaving messages in place.
func buildPortalInput(doc []byte) ([]byte, error) {
	messages := gjson.GetBytes(doc, "messages")
	if !messages.IsArray() {
		return doc, nil
	}
	input := make([]map[string]any, 0, len(messages.Array()))
	for _, message := range messages.Array() {
		entry := map[string]any{"role": message.Get("role").String()}
		content := message.Get("content")
		var parts []map[string]any
		if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				parts = append(parts, map[string]any{"text": extractText(part)})
				return true
			})
		} else {
			parts = []map[string]any{{"text": extractText(content)}}
		}
		entry["content"] = parts
		input = append(input, entry)
	}
	return sjson.SetBytes(doc, "input", input)
}

// normalizeToolChoice coerces unsupported tool_choice values to "auto".
func normalizeToolChoice(doc []byte) ([]byte, error) {
	choice := gjson.GetBytes(doc, "tool_choice")
	if !choice.Exists() || choice.IsObject() {
		return doc, nil
	}
	switch choice.String() {
	case "auto", "none", "required":
		return doc, nil
	default:
		return sjson.SetBytes(doc, "tool_choice", "auto")
	}
}
