package oauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(pkce.Verifier)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	challenge, err := base64.RawURLEncoding.DecodeString(pkce.Challenge)
	require.NoError(t, err)
	assert.Len(t, challenge, 32)

	other, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, pkce.Verifier, other.Verifier)
}

func TestDeviceCodeFlowPendingThenSuccess(t *testing.T) {
	var polls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-client", r.Form.Get("client_id"))
		assert.Equal(t, "S256", r.Form.Get("code_challenge_method"))
		assert.NotEmpty(t, r.Form.Get("code_challenge"))
		_, _ = fmt.Fprint(w, `{"device_code":"dev-1","user_code":"ABCD-EFGH","verification_uri":"https://example.com/verify","expires_in":60,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, deviceGrantType, r.Form.Get("grant_type"))
		assert.Equal(t, "dev-1", r.Form.Get("device_code"))
		if polls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprint(w, `{"error":"authorization_pending"}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	eps := Endpoints{
		DeviceCodeURL: server.URL + "/device/code",
		TokenURL:      server.URL + "/token",
		Scope:         "openid",
		ClientID:      "test-client",
	}
	flow := NewDeviceCodeFlow("qwen", eps, server.Client())
	flow.Notify = func(DeviceAuthorization) {}

	before := time.Now()
	record, err := flow.Authorize(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, polls.Load())
	assert.Equal(t, "at-1", record.AccessToken)
	assert.Equal(t, "rt-1", record.RefreshToken)
	assert.InDelta(t, before.Add(time.Hour).UnixMilli(), record.ExpiresAt, float64(10*time.Second.Milliseconds()))
}

func TestDeviceCodeFlowAccessDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"device_code":"dev-2","user_code":"XXXX","verification_uri":"https://example.com/verify","expires_in":60,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"error":"access_denied"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	eps := Endpoints{DeviceCodeURL: server.URL + "/device/code", TokenURL: server.URL + "/token", ClientID: "c"}
	flow := NewDeviceCodeFlow("qwen", eps, server.Client())
	flow.Notify = func(DeviceAuthorization) {}

	_, err := flow.Authorize(context.Background())
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeAuthFlowRejected, routeerr.CodeOf(err))
}

func TestDeviceCodeFlowExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"device_code":"dev-3","user_code":"XXXX","verification_uri":"https://example.com/verify","expires_in":60,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"error":"expired_token"}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	eps := Endpoints{DeviceCodeURL: server.URL + "/device/code", TokenURL: server.URL + "/token", ClientID: "c"}
	flow := NewDeviceCodeFlow("qwen", eps, server.Client())
	flow.Notify = func(DeviceAuthorization) {}

	_, err := flow.Authorize(context.Background())
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeAuthFlowTimedOut, routeerr.CodeOf(err))
}

func TestAuthCodeFlowCallbackAndExchange(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"access_token":"at-ac","refresh_token":"rt-ac","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	eps := Endpoints{
		AuthURL:      "https://example.com/oauth",
		TokenURL:     tokenServer.URL,
		Scope:        "openid",
		RedirectPort: 18451,
		ClientID:     "ac-client",
	}
	flow := NewAuthCodeFlow("iflow", eps, tokenServer.Client())
	flow.OpenBrowser = false
	flow.CallbackTimeout = 10 * time.Second
	flow.Notify = func(authURL string) {
		parsed, err := url.Parse(authURL)
		require.NoError(t, err)
		query := parsed.Query()
		assert.Equal(t, "ac-client", query.Get("client_id"))
		assert.Equal(t, "S256", query.Get("code_challenge_method"))
		state := query.Get("state")
		require.NotEmpty(t, state)
		go func() {
			callback := fmt.Sprintf("http://127.0.0.1:18451/oauth/callback?code=the-code&state=%s", url.QueryEscape(state))
			resp, errGet := http.Get(callback)
			if errGet == nil {
				_ = resp.Body.Close()
			}
		}()
	}

	record, err := flow.Authorize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-ac", record.AccessToken)
	assert.Equal(t, "rt-ac", record.RefreshToken)
	assert.Greater(t, record.ExpiresAt, time.Now().UnixMilli())
}

func TestAuthCodeFlowStateMismatch(t *testing.T) {
	eps := Endpoints{
		AuthURL:      "https://example.com/oauth",
		TokenURL:     "https://example.com/token",
		RedirectPort: 18452,
		ClientID:     "ac-client",
	}
	flow := NewAuthCodeFlow("iflow", eps, nil)
	flow.OpenBrowser = false
	flow.CallbackTimeout = 10 * time.Second
	flow.Notify = func(string) {
		go func() {
			resp, errGet := http.Get("http://127.0.0.1:18452/oauth/callback?code=the-code&state=forged")
			if errGet == nil {
				_ = resp.Body.Close()
			}
		}()
	}

	_, err := flow.Authorize(context.Background())
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeAuthFlowRejected, routeerr.CodeOf(err))
}

func TestRefreshPreservesUnchangedFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		_, _ = fmt.Fprint(w, `{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	prev := &store.Record{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		TokenType:    "Bearer",
		Email:        "user@example.com",
		APIKey:       "derived-key",
		ProjectID:    "proj-1",
		Extra:        map[string]any{"resource_url": "portal.qwen.ai"},
	}
	eps := Endpoints{TokenURL: server.URL, ClientID: "c"}
	record, err := Refresh(context.Background(), server.Client(), "qwen", eps, prev)
	require.NoError(t, err)

	assert.Equal(t, "at-new", record.AccessToken)
	assert.Equal(t, "rt-old", record.RefreshToken, "refresh token omitted from response must survive")
	assert.Equal(t, "user@example.com", record.Email)
	assert.Equal(t, "derived-key", record.APIKey)
	assert.Equal(t, "proj-1", record.ProjectID)
	assert.Equal(t, "portal.qwen.ai", record.Extra["resource_url"])
	assert.Greater(t, record.ExpiresAt, time.Now().UnixMilli())
}

func TestRefreshInvalidGrantIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
	}))
	defer server.Close()

	prev := &store.Record{RefreshToken: "rt-dead"}
	eps := Endpoints{TokenURL: server.URL, ClientID: "c"}
	_, err := Refresh(context.Background(), server.Client(), "qwen", eps, prev)
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeAuthInvalid, routeerr.CodeOf(err))
	assert.True(t, routeerr.IsAuthError(err))
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	_, err := Refresh(context.Background(), nil, "qwen", Endpoints{}, &store.Record{AccessToken: "at"})
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeAuthRefreshFailed, routeerr.CodeOf(err))
}

func TestEnrichIFlowDerivesAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-iflow", r.Header.Get("Authorization"))
		_, _ = fmt.Fprint(w, `{"data":{"apiKey":"sk-iflow-1","email":"flow@example.com"}}`)
	}))
	defer server.Close()

	record := &store.Record{AccessToken: "at-iflow"}
	eps := Endpoints{UserInfoURL: server.URL}
	require.NoError(t, Enrich(context.Background(), server.Client(), "iflow", eps, record))
	assert.Equal(t, "sk-iflow-1", record.APIKey)
	assert.Equal(t, "flow@example.com", record.Email)
}

func TestEnrichUnknownProviderNoop(t *testing.T) {
	record := &store.Record{AccessToken: "at"}
	require.NoError(t, Enrich(context.Background(), nil, "openai", Endpoints{}, record))
	assert.Empty(t, record.APIKey)
}

func TestResolveEndpointsEnvOverride(t *testing.T) {
	t.Setenv("ROUTECODEX_QWEN_CLIENT_ID", "env-client")
	eps, err := ResolveEndpoints("qwen", nil)
	require.NoError(t, err)
	assert.Equal(t, "env-client", eps.ClientID)
}

func TestResolveEndpointsCallerOverrideWins(t *testing.T) {
	t.Setenv("ROUTECODEX_QWEN_CLIENT_ID", "env-client")
	eps, err := ResolveEndpoints("qwen", &Endpoints{ClientID: "caller-client", TokenURL: "https://override.example/token"})
	require.NoError(t, err)
	assert.Equal(t, "caller-client", eps.ClientID)
	assert.Equal(t, "https://override.example/token", eps.TokenURL)
}

func TestResolveEndpointsUnknownProvider(t *testing.T) {
	_, err := ResolveEndpoints("nonesuch", nil)
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeInvalidConfig, routeerr.CodeOf(err))
}
