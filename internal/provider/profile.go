// Package provider sends adapted requests to upstream LLM backends: it
// resolves the service profile for a provider family, attaches credentials
// through the token lifecycle, classifies failures, and retries once after a
// successful token repair.
package provider

import (
	"time"

	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// AuthScheme tells the client where credentials come from.
type AuthScheme string

const (
	AuthAPIKey AuthScheme = "apikey"
	AuthOAuth  AuthScheme = "oauth"
)

// ServiceProfile fixes the wire-level defaults for one provider family.
type ServiceProfile struct {
	Provider  string
	BaseURL   string
	Endpoint  string
	Auth      AuthScheme
	UserAgent string
	// AuthPrefix precedes the credential in the Authorization header.
	AuthPrefix string
	Headers    map[string]string
	Timeout    time.Duration
	// RequiresProjectID marks the gemini family where requests carry the
	// cloudaicompanion project.
	RequiresProjectID bool
}

const defaultTimeout = 500 * time.Second

var profiles = map[string]ServiceProfile{
	"openai": {
		Provider: "openai",
		BaseURL:  "https://api.openai.com/v1",
		Endpoint: "/chat/completions",
		Auth:     AuthAPIKey,
	},
	"anthropic": {
		Provider:   "anthropic",
		BaseURL:    "https://api.anthropic.com/v1",
		Endpoint:   "/messages",
		Auth:       AuthAPIKey,
		AuthPrefix: "",
		Headers:    map[string]string{"anthropic-version": "2023-06-01"},
	},
	"qwen": {
		Provider: "qwen",
		BaseURL:  "https://portal.qwen.ai/v1",
		Endpoint: "/chat/completions",
		Auth:     AuthOAuth,
	},
	"iflow": {
		Provider:  "iflow",
		BaseURL:   "https://apis.iflow.cn/v1",
		Endpoint:  "/chat/completions",
		Auth:      AuthOAuth,
		UserAgent: "iFlow-Cli",
	},
	"gemini-cli": {
		Provider:          "gemini-cli",
		BaseURL:           "https://cloudcode-pa.googleapis.com",
		Endpoint:          "/v1internal:generateContent",
		Auth:              AuthOAuth,
		RequiresProjectID: true,
	},
	"antigravity": {
		Provider:          "antigravity",
		BaseURL:           "https://cloudcode-pa.googleapis.com",
		Endpoint:          "/v1internal:generateContent",
		Auth:              AuthOAuth,
		RequiresProjectID: true,
	},
	"glm": {
		Provider: "glm",
		BaseURL:  "https://open.bigmodel.cn/api/coding/paas/v4",
		Endpoint: "/chat/completions",
		Auth:     AuthAPIKey,
	},
	"deepseek": {
		Provider: "deepseek",
		BaseURL:  "https://api.deepseek.com/v1",
		Endpoint: "/chat/completions",
		Auth:     AuthAPIKey,
	},
	"lmstudio": {
		Provider: "lmstudio",
		BaseURL:  "http://localhost:1234",
		Endpoint: "/v1/chat/completions",
		Auth:     AuthAPIKey,
		Timeout:  1000 * time.Second,
	},
}

// ProfileFor resolves the profile for a provider family, filling defaults.
func ProfileFor(provider string) (ServiceProfile, error) {
	profile, ok := profiles[provider]
	if !ok {
		return ServiceProfile{}, routeerr.New(routeerr.CodeInvalidConfig, "provider: unknown provider family %q", provider)
	}
	if profile.Timeout <= 0 {
		profile.Timeout = defaultTimeout
	}
	if profile.AuthPrefix == "" && profile.Provider != "anthropic" {
		profile.AuthPrefix = "Bearer "
	}
	return profile, nil
}
