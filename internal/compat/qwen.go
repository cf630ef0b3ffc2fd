package compat

import "context"

// qwenModelTable maps the OpenAI model names coding agents send onto the
// models the qwen portal actually serves.
var qwenModelTable = map[string]string{
	"gpt-3.5-turbo": "qwen-turbo",
	"gpt-4":         "qwen3-coder-plus",
	"gpt-4-turbo":   "qwen3-coder-plus",
	"gpt-4o":        "qwen3-coder-plus",
}

// QwenModule adapts OpenAI Chat requests to the qwen portal dialect.
type QwenModule struct{}

func (m *QwenModule) Name() string { return "compat-qwen" }

func (m *QwenModule) ProcessIncoming(_ context.Context, doc []byte, _ *RequestContext) ([]byte, error) {
	doc, err := sanitizeMessages(doc)
	if err != nil {
		return nil, err
	}
	if doc, err = applyModelTable(doc, qwenModelTable); err != nil {
		return nil, err
	}
	if doc, err = moveParameters(doc); err != nil {
		return nil, err
	}
	return buildPortalInput(doc)
}

func (m *QwenModule) ProcessOutgoing(_ context.Context, doc []byte, rctx *RequestContext) ([]byte, error) {
	model := ""
	if rctx != nil {
		model = rctx.Model
	}
	doc, err := NormalizeChatResponse(doc, model)
	if err != nil {
		return nil, err
	}
	if err := ValidateChatResponse(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
