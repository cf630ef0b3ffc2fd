// Package llmswitch converts between inbound API dialects (OpenAI Chat,
// OpenAI Responses, Anthropic Messages) and the OpenAI Chat shape the rest of
// the pipeline speaks. Per the chain contract it is the single entrance for
// tool-call semantics, so every route chain ends with one of these.
package llmswitch

import (
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// Dialect names an inbound protocol.
type Dialect string

const (
	DialectChat      Dialect = "chat"
	DialectResponses Dialect = "responses"
	DialectAnthropic Dialect = "anthropic"
)

// Switch converts one inbound dialect to Chat and back. Implementations are
// stateless and safe for concurrent use.
type Switch interface {
	Name() string
	// ToChat converts an inbound request into OpenAI Chat shape.
	ToChat(doc []byte) ([]byte, error)
	// FromChat projects a Chat-shaped response back into the inbound
	// dialect.
	FromChat(doc []byte) ([]byte, error)
}

// New returns the converter for a dialect.
func New(dialect Dialect) (Switch, error) {
	switch dialect {
	case DialectChat, "":
		return &ChatSwitch{}, nil
	case DialectResponses:
		return &ResponsesSwitch{}, nil
	case DialectAnthropic:
		return &AnthropicSwitch{}, nil
	default:
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "llmswitch: unknown dialect %q", dialect)
	}
}

// ChatSwitch is the identity converter for native Chat traffic.
type ChatSwitch struct{}

func (s *ChatSwitch) Name() string { return "llmswitch-openai-openai" }

func (s *ChatSwitch) ToChat(doc []byte) ([]byte, error) { return doc, nil }

func (s *ChatSwitch) FromChat(doc []byte) ([]byte, error) { return doc, nil }
