package compat

import "context"

// LMStudioModule keeps transformations minimal for the local server:
// tool_choice coercion on the way in, metadata patching on the way out.
type LMStudioModule struct{}

func (m *LMStudioModule) Name() string { return "compat-lmstudio" }

func (m *LMStudioModule) ProcessIncoming(_ context.Context, doc []byte, _ *RequestContext) ([]byte, error) {
	return normalizeToolChoice(doc)
}

func (m *LMStudioModule) ProcessOutgoing(_ context.Context, doc []byte, rctx *RequestContext) ([]byte, error) {
	model := ""
	if rctx != nil {
		model = rctx.Model
	}
	return NormalizeChatResponse(doc, model)
}

// PassthroughModule forwards payloads untouched except for response metadata
// synthesis. Used for providers that already speak OpenAI Chat.
type PassthroughModule struct {
	name string
}

func (m *PassthroughModule) Name() string {
	if m.name == "" {
		return "compat-passthrough"
	}
	return m.name
}

func (m *PassthroughModule) ProcessIncoming(_ context.Context, doc []byte, _ *RequestContext) ([]byte, error) {
	return normalizeToolChoice(doc)
}

func (m *PassthroughModule) ProcessOutgoing(_ context.Context, doc []byte, rctx *RequestContext) ([]byte, error) {
	model := ""
	if rctx != nil {
		model = rctx.Model
	}
	return NormalizeChatResponse(doc, model)
}
