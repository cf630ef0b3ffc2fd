package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Record is the normalized in-memory form of a stored token document.
// Unknown fields are preserved in Extra across refresh cycles.
type Record struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	// ExpiresAt is the absolute expiry timestamp in milliseconds.
	ExpiresAt int64
	Scope     string
	IDToken   string
	// APIKey is a provider-derived key (iFlow exchanges the access token for
	// one); aliased from "api_key" and "apiKey" on read.
	APIKey string

	// Gemini-CLI family metadata.
	ProjectID string
	Projects  []string
	Email     string

	// NoRefresh locks the record against silent refresh.
	NoRefresh bool

	// Extra preserves free-form fields not covered above.
	Extra map[string]any
}

// ExpirySkewMS is the freshness skew: a token within this many milliseconds
// of expiry is treated as expired-or-near.
const ExpirySkewMS = 60_000

// State is the derived, I/O-free view of a record.
type State struct {
	HasAccess       bool
	HasRefresh      bool
	HasAPIKey       bool
	MsUntilExpiry   int64
	IsExpiredOrNear bool
	Status          string // valid, expiring, expired, invalid
}

// StateAt computes the derived state at the given instant.
func (r *Record) StateAt(now time.Time) State {
	s := State{}
	if r == nil {
		s.Status = "invalid"
		return s
	}
	s.HasAccess = r.AccessToken != ""
	s.HasRefresh = r.RefreshToken != ""
	s.HasAPIKey = r.APIKey != ""
	if r.ExpiresAt > 0 {
		s.MsUntilExpiry = r.ExpiresAt - now.UnixMilli()
	}
	s.IsExpiredOrNear = r.ExpiresAt > 0 && s.MsUntilExpiry <= ExpirySkewMS
	switch {
	case !s.HasAccess:
		s.Status = "invalid"
	case r.ExpiresAt > 0 && s.MsUntilExpiry <= 0:
		s.Status = "expired"
	case s.IsExpiredOrNear:
		s.Status = "expiring"
	default:
		s.Status = "valid"
	}
	return s
}

// Valid reports whether the record holds a usable, non-near-expiry token.
func (r *Record) Valid(now time.Time) bool {
	s := r.StateAt(now)
	return s.HasAccess && !s.IsExpiredOrNear
}

// knownKeys lists the canonical field names plus all accepted legacy
// variants; anything else lands in Extra.
var knownKeys = map[string]bool{
	"access_token": true, "AccessToken": true,
	"refresh_token": true, "RefreshToken": true,
	"token_type": true,
	"expires_at": true, "expired": true, "expiry_date": true, "expiry_timestamp": true,
	"scope": true, "id_token": true,
	"api_key": true, "apiKey": true,
	"project_id": true, "projects": true, "email": true,
	"norefresh": true, "noRefresh": true,
}

// decodeRecord builds a normalized Record from a parsed JSON object.
// Normalization is idempotent: decoding the encoded form of a record yields
// an equal struct.
func decodeRecord(doc map[string]any) *Record {
	// Gemini family files nest the OAuth payload under "token"; flatten it
	// while keeping top-level metadata visible.
	if nested, ok := doc["token"].(map[string]any); ok {
		flat := make(map[string]any, len(doc)+len(nested))
		for k, v := range nested {
			flat[k] = v
		}
		for k, v := range doc {
			if k == "token" {
				continue
			}
			if _, exists := flat[k]; !exists {
				flat[k] = v
			}
		}
		doc = flat
	}

	r := &Record{Extra: make(map[string]any)}
	r.AccessToken = firstString(doc, "access_token", "AccessToken")
	r.RefreshToken = firstString(doc, "refresh_token", "RefreshToken")
	r.TokenType = firstString(doc, "token_type")
	if r.TokenType == "" {
		r.TokenType = "Bearer"
	}
	r.Scope = firstString(doc, "scope")
	r.IDToken = firstString(doc, "id_token")
	r.APIKey = firstString(doc, "api_key", "apiKey")
	r.ProjectID = firstString(doc, "project_id")
	r.Email = firstString(doc, "email")
	if raw, ok := doc["projects"].([]any); ok {
		for _, item := range raw {
			if s, ok1 := item.(string); ok1 {
				r.Projects = append(r.Projects, s)
			}
		}
	}
	r.ExpiresAt = decodeExpiry(doc)
	r.NoRefresh = truthy(doc["norefresh"]) || truthy(doc["noRefresh"])

	for k, v := range doc {
		if knownKeys[k] {
			continue
		}
		r.Extra[k] = v
	}
	return r
}

// encodeRecord renders the canonical on-disk shape. Extra fields are written
// first so canonical keys always win.
func (r *Record) encodeRecord() map[string]any {
	doc := make(map[string]any, len(r.Extra)+8)
	for k, v := range r.Extra {
		doc[k] = v
	}
	doc["access_token"] = r.AccessToken
	if r.RefreshToken != "" {
		doc["refresh_token"] = r.RefreshToken
	}
	doc["token_type"] = r.TokenType
	if r.ExpiresAt > 0 {
		doc["expires_at"] = r.ExpiresAt
	}
	if r.Scope != "" {
		doc["scope"] = r.Scope
	}
	if r.IDToken != "" {
		doc["id_token"] = r.IDToken
	}
	if r.APIKey != "" {
		doc["api_key"] = r.APIKey
	}
	if r.ProjectID != "" {
		doc["project_id"] = r.ProjectID
	}
	if len(r.Projects) > 0 {
		doc["projects"] = r.Projects
	}
	if r.Email != "" {
		doc["email"] = r.Email
	}
	if r.NoRefresh {
		doc["norefresh"] = true
	}
	return doc
}

// decodeExpiry accepts "expires_at" (ms) plus legacy variants "expired"
// (RFC3339 or unix), "expiry_date" (RFC3339 or unix) and "expiry_timestamp"
// (seconds), normalizing everything to milliseconds.
func decodeExpiry(doc map[string]any) int64 {
	if v, ok := doc["expires_at"]; ok {
		if ms := toUnixMilli(v); ms > 0 {
			return ms
		}
	}
	for _, key := range []string{"expired", "expiry_date"} {
		if v, ok := doc[key]; ok {
			if ms := toUnixMilli(v); ms > 0 {
				return ms
			}
		}
	}
	if v, ok := doc["expiry_timestamp"]; ok {
		if f, ok1 := toFloat(v); ok1 && f > 0 {
			return int64(f) * 1000
		}
	}
	return 0
}

// toUnixMilli converts RFC3339 strings and second- or millisecond-precision
// unix numbers to milliseconds. Values above 1e12 are already milliseconds.
func toUnixMilli(v any) int64 {
	switch value := v.(type) {
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return 0
		}
		for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UnixMilli()
			}
		}
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			return normalizeUnixMilli(unix)
		}
	default:
		if f, ok := toFloat(v); ok {
			return normalizeUnixMilli(int64(f))
		}
	}
	return 0
}

func normalizeUnixMilli(raw int64) int64 {
	if raw <= 0 {
		return 0
	}
	if raw > 1_000_000_000_000 {
		return raw
	}
	return raw * 1000
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int64:
		return float64(value), true
	case int:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return f, err == nil
	}
	return 0, false
}

func firstString(doc map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := doc[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func truthy(v any) bool {
	switch value := v.(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "on":
			return true
		}
	case float64:
		return value != 0
	}
	return false
}
