package compat

import "context"

// iflowIncomingRules drops request fields the iflow backend rejects.
var iflowIncomingRules = []TransformationRule{
	{ID: "iflow-strip-strict", Transform: TransformDelete, SourcePath: "tools.*.function.strict"},
}

// IFlowModule adapts OpenAI Chat requests for the iflow backend.
type IFlowModule struct{}

func (m *IFlowModule) Name() string { return "compat-iflow" }

func (m *IFlowModule) ProcessIncoming(_ context.Context, doc []byte, _ *RequestContext) ([]byte, error) {
	doc, err := sanitizeMessages(doc)
	if err != nil {
		return nil, err
	}
	return ApplyRules(doc, iflowIncomingRules)
}

func (m *IFlowModule) ProcessOutgoing(_ context.Context, doc []byte, rctx *RequestContext) ([]byte, error) {
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
