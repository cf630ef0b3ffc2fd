package oauth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// FlowType selects an acquisition flow.
type FlowType string

const (
	FlowDeviceCode        FlowType = "device_code"
	FlowAuthorizationCode FlowType = "authorization_code"
)

// Endpoints describes one provider's OAuth surface plus the built-in client
// credentials. Overrides are resolved at strategy construction time.
type Endpoints struct {
	DeviceCodeURL string
	AuthURL       string
	TokenURL      string
	UserInfoURL   string
	Scope         string
	// RedirectPort is the local callback port for the authorization-code flow.
	RedirectPort int
	// Headers are merged into every OAuth HTTP request for this provider.
	Headers map[string]string

	ClientID     string
	ClientSecret string

	// Flows lists the acquisition flows in fallback order.
	Flows []FlowType
}

const (
	googleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL    = "https://oauth2.googleapis.com/token"
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"
	googleScope       = "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile"
)

// builtinEndpoints carries the shipped defaults per provider family.
var builtinEndpoints = map[string]Endpoints{
	"qwen": {
		DeviceCodeURL: "https://chat.qwen.ai/api/v1/oauth2/device/code",
		TokenURL:      "https://chat.qwen.ai/api/v1/oauth2/token",
		Scope:         "openid profile email model.completion",
		ClientID:      "f0304373b74a44d2b584a3fb70ca9e56",
		Headers:       map[string]string{"X-Goog-Api-Client": "gl-node/22.17.0"},
		Flows:         []FlowType{FlowDeviceCode},
	},
	"iflow": {
		DeviceCodeURL: "https://iflow.cn/oauth/device/code",
		AuthURL:       "https://iflow.cn/oauth",
		TokenURL:      "https://iflow.cn/oauth/token",
		UserInfoURL:   "https://iflow.cn/api/oauth/getUserInfo",
		Scope:         "openid profile api",
		RedirectPort:  11451,
		ClientID:      "10009311001",
		Headers: map[string]string{
			"Origin":  "https://iflow.cn",
			"Referer": "https://iflow.cn/",
		},
		Flows: []FlowType{FlowAuthorizationCode, FlowDeviceCode},
	},
	"gemini-cli": {
		DeviceCodeURL: "https://oauth2.googleapis.com/device/code",
		AuthURL:       googleAuthURL,
		TokenURL:      googleTokenURL,
		UserInfoURL:   googleUserInfoURL,
		Scope:         googleScope,
		RedirectPort:  8085,
		ClientID:      "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		ClientSecret:  "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",
		Flows:         []FlowType{FlowAuthorizationCode},
	},
	"antigravity": {
		AuthURL:      googleAuthURL,
		TokenURL:     googleTokenURL,
		UserInfoURL:  googleUserInfoURL,
		Scope:        googleScope,
		RedirectPort: 8086,
		ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		ClientSecret: "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",
		Flows:        []FlowType{FlowAuthorizationCode},
	},
}

// envPrefix maps a provider key to its environment variable stem.
func envPrefix(provider string) string {
	switch provider {
	case "iflow":
		return "IFLOW"
	default:
		return "ROUTECODEX_" + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	}
}

// localClientsFile is the per-user override for client credentials.
func localClientsFile() string {
	return filepath.Join(config.Home(), "auth", "oauth-clients.local.json")
}

type localClientEntry struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// ResolveEndpoints builds the effective endpoint set for a provider.
// Credential precedence: caller override, environment variable, local clients
// file, built-in default.
func ResolveEndpoints(provider string, override *Endpoints) (Endpoints, error) {
	eps, ok := builtinEndpoints[provider]
	if !ok {
		return Endpoints{}, routeerr.New(routeerr.CodeInvalidConfig, "oauth: no endpoints known for provider %q", provider)
	}

	if data, err := os.ReadFile(localClientsFile()); err == nil {
		entries := make(map[string]localClientEntry)
		if err = json.Unmarshal(data, &entries); err != nil {
			log.Warnf("oauth: ignoring malformed clients file %s: %v", localClientsFile(), err)
		} else if entry, found := entries[provider]; found {
			if entry.ClientID != "" {
				eps.ClientID = entry.ClientID
			}
			if entry.ClientSecret != "" {
				eps.ClientSecret = entry.ClientSecret
			}
		}
	}

	prefix := envPrefix(provider)
	if provider == "gemini-cli" || provider == "antigravity" {
		prefix += "_GOOGLE"
	}
	if v := os.Getenv(prefix + "_CLIENT_ID"); v != "" {
		eps.ClientID = v
	}
	if v := os.Getenv(prefix + "_CLIENT_SECRET"); v != "" {
		eps.ClientSecret = v
	}

	if override != nil {
		if override.DeviceCodeURL != "" {
			eps.DeviceCodeURL = override.DeviceCodeURL
		}
		if override.AuthURL != "" {
			eps.AuthURL = override.AuthURL
		}
		if override.TokenURL != "" {
			eps.TokenURL = override.TokenURL
		}
		if override.UserInfoURL != "" {
			eps.UserInfoURL = override.UserInfoURL
		}
		if override.Scope != "" {
			eps.Scope = override.Scope
		}
		if override.RedirectPort != 0 {
			eps.RedirectPort = override.RedirectPort
		}
		if override.ClientID != "" {
			eps.ClientID = override.ClientID
		}
		if override.ClientSecret != "" {
			eps.ClientSecret = override.ClientSecret
		}
		if len(override.Flows) > 0 {
			eps.Flows = override.Flows
		}
	}

	if eps.ClientID == "" {
		return Endpoints{}, routeerr.New(routeerr.CodeMissingClientCredentials, "oauth: missing client_id for provider %q", provider)
	}
	return eps, nil
}
