package compat

import "context"

// GLMModule covers the OpenAI-compatible chat backends (glm, deepseek) that
// only need message hygiene and response normalization.
type GLMModule struct {
	name string
}

func (m *GLMModule) Name() string {
	if m.name == "" {
		return "compat-glm"
	}
	return m.name
}

func (m *GLMModule) ProcessIncoming(_ context.Context, doc []byte, _ *RequestContext) ([]byte, error) {
	return sanitizeMessages(doc)
}

func (m *GLMModule) ProcessOutgoing(_ context.Context, doc []byte, rctx *RequestContext) ([]byte, error) {
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
