package compat

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// reasoningTagPatterns match model "thinking" wrappers that must not reach
// providers as literal text.
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)\[REASONING\].*?\[/REASONING\]`),
	regexp.MustCompile(`(?s)\[THINKING\].*?\[/THINKING\]`),
}

// StripReasoningTags removes thinking/reasoning wrappers from a text block.
func StripReasoningTags(text string) string {
	for _, pattern := range reasoningTagPatterns {
		text = pattern.ReplaceAllString(text, "")
	}
	return text
}

// toolNoiseFragments are known garbage suffixes some agent frontends append
// to tool results.
var toolNoiseFragments = []string{
	"failed in sandbox",
	"unsupported call",
	"tool execution environment unavailable",
}

const (
	toolResultMaxBytes = 512
	truncationMarker   = "...[truncated to 512B]"
)

// PruneToolNoise strips the known noise fragments and caps the result at 512
// bytes with an explicit marker.
func PruneToolNoise(text string) string {
	for _, fragment := range toolNoiseFragments {
		text = strings.ReplaceAll(text, fragment, "")
	}
	text = strings.TrimSpace(text)
	if len(text) > toolResultMaxBytes {
		text = text[:toolResultMaxBytes] + truncationMarker
	}
	return text
}

// FlattenToolResult reduces any inbound tool-message content representation
// to a single non-empty string.
func FlattenToolResult(content gjson.Result) (string, error) {
	text := extractText(content)
	if strings.TrimSpace(text) == "" {
		return "", routeerr.New(routeerr.CodeCompatToolTextEmpty, "compat: tool message has no extractable text")
	}
	return text, nil
}

// extractText pulls human-readable text out of a string, an array of parts,
// or a structured object.
func extractText(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var parts []string
		content.ForEach(func(_, part gjson.Result) bool {
			if piece := extractText(part); piece != "" {
				parts = append(parts, piece)
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.IsObject():
		for _, key := range []string{"text", "content", "output", "result", "value"} {
			if v := content.Get(key); v.Exists() {
				if piece := extractText(v); piece != "" {
					return piece
				}
			}
		}
		return ""
	case content.Type == gjson.Number, content.Type == gjson.True, content.Type == gjson.False:
		return content.Raw
	default:
		return ""
	}
}

// CanonicalToolCallArgs ensures tool-call arguments are a JSON-encoded
// string. Objects are re-encoded; strings must already parse as JSON.
func CanonicalToolCallArgs(args gjson.Result) (string, error) {
	switch {
	case args.IsObject() || args.IsArray():
		return args.Raw, nil
	case args.Type == gjson.String:
		if !json.Valid([]byte(args.String())) {
			return "", routeerr.New(routeerr.CodeCompatToolCallArgsInvalid, "compat: tool call arguments are not valid JSON")
		}
		return args.String(), nil
	case !args.Exists() || args.Type == gjson.Null:
		return "{}", nil
	default:
		return "", routeerr.New(routeerr.CodeCompatToolCallArgsInvalid, "compat: tool call arguments have unsupported type")
	}
}

// sanitizeMessages applies the shared inbound message hygiene: reasoning-tag
// stripping on assistant text, tool-result flattening, tool-call argument
// canonicalization, and trailing tool-message noise pruning.
func sanitizeMessages(doc []byte) ([]byte, error) {
	messages := gjson.GetBytes(doc, "messages")
	if !messages.IsArray() {
		return doc, nil
	}
	arr := messages.Array()
	last := len(arr) - 1
	var err error
	for i, message := range arr {
		role := message.Get("role").String()
		base := "messages." + itoa(i)

		switch role {
		case "assistant":
			if content := message.Get("content"); content.Type == gjson.String {
				stripped := StripReasoningTags(content.String())
				if stripped != content.String() {
					doc, err = sjson.SetBytes(doc, base+".content", stripped)
					if err != nil {
						return nil, err
					}
				}
			}
			if calls := message.Get("tool_calls"); calls.IsArray() {
				for j, call := range calls.Array() {
					canonical, errArgs := CanonicalToolCallArgs(call.Get("function.arguments"))
					if errArgs != nil {
						return nil, errArgs
					}
					doc, err = sjson.SetBytes(doc, base+".tool_calls."+itoa(j)+".function.arguments", canonical)
					if err != nil {
						return nil, err
					}
				}
			}
		case "tool":
			text, errFlatten := FlattenToolResult(message.Get("content"))
			if errFlatten != nil {
				return nil, errFlatten
			}
			if i == last {
				text = PruneToolNoise(text)
				if strings.TrimSpace(text) == "" {
					return nil, routeerr.New(routeerr.CodeCompatToolTextEmpty, "compat: trailing tool message is empty after noise pruning")
				}
			}
			doc, err = sjson.SetBytes(doc, base+".content", text)
			if err != nil {
				return nil, err
			}
		}
	}
	return doc, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
