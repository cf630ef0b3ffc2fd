package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/oauth"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

func apiKeyClient(t *testing.T, provider, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(config.Provider{
		ID:       provider + "-test",
		Provider: provider,
		BaseURL:  baseURL,
		Auth:     config.ProviderAuth{Type: "apikey", APIKey: "sk-test"},
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestExecuteSendsAuthAndHeaders(t *testing.T) {
	var gotAuth, gotUA, gotCT string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	c, err := NewClient(config.Provider{
		ID:       "iflow-main",
		Provider: "iflow",
		BaseURL:  server.URL,
		Auth:     config.ProviderAuth{Type: "apikey", APIKey: "sk-iflow"},
	}, nil, server.Client())
	require.NoError(t, err)

	body, err := c.Execute(context.Background(), []byte(`{"model":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-iflow", gotAuth)
	assert.Equal(t, "iFlow-Cli", gotUA)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "ok", gjson.GetBytes(body, "choices.0.message.content").String())
}

func TestAnthropicUsesAPIKeyHeader(t *testing.T) {
	var gotKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotAuth = r.Header.Get("Authorization")
		_, _ = fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	c := apiKeyClient(t, "anthropic", server.URL)
	c.httpClient = server.Client()
	_, err := c.Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", gotKey)
	assert.Empty(t, gotAuth)
}

func TestClassifyStatuses(t *testing.T) {
	c := apiKeyClient(t, "glm", "http://unused")
	cases := []struct {
		status    int
		body      string
		code      routeerr.Code
		retryable bool
	}{
		{429, `{"error":"slow down"}`, routeerr.CodeRateLimited, true},
		{500, `{"error":"boom"}`, routeerr.CodeServerError, true},
		{503, ``, routeerr.CodeServerError, true},
		{401, `{"error":{"code":"invalid_token"}}`, routeerr.CodeAuthInvalid, false},
		{403, ``, routeerr.CodeAuthInvalid, false},
		{400, `{"error":"bad request"}`, routeerr.CodeHTTPError, false},
	}
	for _, tc := range cases {
		err := c.classify(tc.status, []byte(tc.body))
		assert.Equal(t, tc.code, routeerr.CodeOf(err), "status %d", tc.status)
		assert.Equal(t, tc.retryable, routeerr.IsRetryable(err), "status %d", tc.status)
		assert.Equal(t, tc.status, routeerr.StatusOf(err), "status %d", tc.status)
	}
}

func TestTransportRetryOnServerError(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	c := apiKeyClient(t, "glm", server.URL)
	c.httpClient = server.Client()
	body, err := c.Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(body, "ok").Bool())
	assert.EqualValues(t, 2, hits.Load())
}

func TestNoSecondTransportRetry(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := apiKeyClient(t, "glm", server.URL)
	c.httpClient = server.Client()
	_, err := c.Execute(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeServerError, routeerr.CodeOf(err))
	assert.EqualValues(t, 2, hits.Load())
}

// Upstream rejects the first call with 401 invalid_token; the lifecycle
// refreshes the token and the client retries exactly once.
func TestRetryAfterTokenRepair(t *testing.T) {
	var refreshes, providerCalls atomic.Int64
	oauthServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") == "refresh_token" {
			refreshes.Add(1)
			_, _ = fmt.Fprint(w, `{"access_token":"at-repaired","token_type":"Bearer","expires_in":3600}`)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer oauthServer.Close()

	providerServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if providerCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprint(w, `{"error":{"code":"invalid_token"}}`)
			return
		}
		assert.Equal(t, "Bearer at-repaired", r.Header.Get("Authorization"))
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"second try"},"finish_reason":"stop"}]}`)
	}))
	defer providerServer.Close()

	authDir := t.TempDir()
	factory := func(provider string) (*oauth.Strategy, error) {
		return &oauth.Strategy{
			Provider:   provider,
			Endpoints:  oauth.Endpoints{TokenURL: oauthServer.URL, ClientID: "c"},
			HTTPClient: oauthServer.Client(),
		}, nil
	}
	tokens := lifecycle.NewManager(authDir, oauthServer.Client(), factory)

	desc := store.NewDescriptor("qwen", "default", 1)
	require.NoError(t, tokens.Files().Write(desc.FilePath(authDir), &store.Record{
		AccessToken:  "at-stale",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}))

	c, err := NewClient(config.Provider{
		ID:       "qwen-main",
		Provider: "qwen",
		BaseURL:  providerServer.URL,
		Auth:     config.ProviderAuth{Type: "oauth"},
	}, tokens, providerServer.Client())
	require.NoError(t, err)

	body, err := c.Execute(context.Background(), []byte(`{"model":"qwen3-coder-plus"}`))
	require.NoError(t, err)
	assert.Equal(t, "second try", gjson.GetBytes(body, "choices.0.message.content").String())
	assert.EqualValues(t, 2, providerCalls.Load(), "exactly one retry after repair")
	assert.EqualValues(t, 1, refreshes.Load())
}

func TestOAuthCredentialPrefersDerivedAPIKey(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	authDir := t.TempDir()
	tokens := lifecycle.NewManager(authDir, server.Client(), func(provider string) (*oauth.Strategy, error) {
		return &oauth.Strategy{Provider: provider, HTTPClient: server.Client()}, nil
	})
	desc := store.NewDescriptor("iflow", "work", 2)
	require.NoError(t, tokens.Files().Write(desc.FilePath(authDir), &store.Record{
		AccessToken: "at-oauth",
		APIKey:      "sk-derived",
		ExpiresAt:   time.Now().Add(time.Hour).UnixMilli(),
	}))

	c, err := NewClient(config.Provider{
		ID:       "iflow-work",
		Provider: "iflow",
		BaseURL:  server.URL,
		Auth:     config.ProviderAuth{Type: "oauth", Alias: "work", Sequence: 2},
	}, tokens, server.Client())
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-derived", gotAuth)
}

func TestHealthyProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	c := apiKeyClient(t, "glm", server.URL)
	c.httpClient = server.Client()
	healthy, status := c.Healthy(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, http.StatusOK, status)
}

func TestMissingAPIKey(t *testing.T) {
	c, err := NewClient(config.Provider{
		ID:       "glm-main",
		Provider: "glm",
		Auth:     config.ProviderAuth{Type: "apikey"},
	}, nil, nil)
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeAuthMissing, routeerr.CodeOf(err))
}

func TestUnknownProviderFamily(t *testing.T) {
	_, err := NewClient(config.Provider{ID: "x", Provider: "nonesuch"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeInvalidConfig, routeerr.CodeOf(err))
}
