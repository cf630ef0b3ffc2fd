package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/pipeline"
	"github.com/Jasonzhangf/routecodex-sub005/internal/usage"
)

// newTestServer wires a real pipeline against an httptest provider speaking
// the Qwen dialect.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	t.Cleanup(provider.Close)

	cfg := &config.Config{
		Providers: []config.Provider{{
			ID:       "qwen",
			Provider: "qwen",
			BaseURL:  provider.URL,
			Model:    "qwen3-coder-plus",
			Auth:     config.ProviderAuth{Type: "apikey", APIKey: "k"},
		}},
		Routes: []config.Route{{
			ID:       "all",
			Priority: 1,
			Modules: []config.ModuleSpec{
				{Type: "compat-qwen"},
				{Type: "provider-qwen"},
				{Type: "llmswitch-openai-openai"},
			},
		}},
		DefaultRoute: "all",
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Prepare())

	manager := pipeline.NewManager(cfg, nil, provider.Client())
	require.NoError(t, manager.Initialize(context.Background()))
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	return NewServer(cfg, manager, usage.NewTracker(16), ""), provider
}

func postJSON(t *testing.T, handler http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postJSON(t, s.Handler(), "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "chat.completion", body.Get("object").String())
	assert.Equal(t, "hi", body.Get("choices.0.message.content").String())
}

func TestResponsesEndpointProjectsDialect(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Routes[0].Modules[2] = config.ModuleSpec{
			Type:   "llmswitch-openai-responses",
			Config: map[string]any{"dialect": "responses"},
		}
	})

	rec := postJSON(t, s.Handler(), "/v1/responses",
		`{"model":"gpt-4o","instructions":"be brief","input":"hello"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "response", body.Get("object").String())
	assert.Equal(t, "completed", body.Get("status").String())
	assert.Equal(t, "hi", body.Get("output_text").String())
}

func TestAnthropicMessagesEndpoint(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Routes[0].Modules[2] = config.ModuleSpec{
			Type:   "llmswitch-anthropic-openai",
			Config: map[string]any{"dialect": "anthropic"},
		}
	})

	rec := postJSON(t, s.Handler(), "/v1/messages",
		`{"model":"claude-3","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "message", body.Get("type").String())
	assert.Equal(t, "hi", body.Get("content.0.text").String())
	assert.Equal(t, "end_turn", body.Get("stop_reason").String())
}

func TestSubmitToolOutputsContinuation(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Routes[0].Modules[2] = config.ModuleSpec{
			Type:   "llmswitch-openai-responses",
			Config: map[string]any{"dialect": "responses"},
		}
	})

	rec := postJSON(t, s.Handler(), "/v1/responses/resp_abc/submit_tool_outputs",
		`{"model":"gpt-4o","tool_outputs":[{"tool_call_id":"call_1","output":"42"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "response", gjson.Parse(rec.Body.String()).Get("object").String())
}

func TestSubmitToolOutputsRejectsEmpty(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := postJSON(t, s.Handler(), "/v1/responses/resp_abc/submit_tool_outputs", `{"tool_outputs":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_tool_outputs", gjson.Parse(rec.Body.String()).Get("error.code").String())
}

func TestAPIKeyAuth(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.APIKeys = []string{"sk-good"}
	})
	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`

	rec := postJSON(t, s.Handler(), "/v1/chat/completions", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	envelope := gjson.Parse(rec.Body.String())
	assert.Equal(t, "authentication_error", envelope.Get("error.type").String())

	rec = postJSON(t, s.Handler(), "/v1/chat/completions", body,
		map[string]string{"Authorization": "Bearer sk-good"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, s.Handler(), "/v1/chat/completions", body,
		map[string]string{"X-Api-Key": "sk-good"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpstreamErrorEnvelope(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Providers[0].BaseURL = failing.URL
	})

	rec := postJSON(t, s.Handler(), "/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	envelope := gjson.Parse(rec.Body.String())
	assert.Equal(t, "server_error", envelope.Get("error.code").String())
	assert.NotEmpty(t, envelope.Get("error.request_id").String())
}

func TestHealthAndModels(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Parse(rec.Body.String()).Get("status").String())

	req = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	models := gjson.Parse(rec.Body.String())
	assert.Equal(t, "list", models.Get("object").String())
	assert.Equal(t, "qwen3-coder-plus", models.Get("data.0.id").String())
	assert.Equal(t, "qwen", models.Get("data.0.owned_by").String())
}

func TestManagementRequiresBcryptKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RemoteManagementKey = string(hash)
	})

	req := httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	view := gjson.Parse(rec.Body.String())
	assert.Equal(t, "qwen", view.Get("providers.0.id").String())
	assert.NotContains(t, rec.Body.String(), "api-key", "credentials never leave the process")
}

func TestManagementHiddenWithoutKey(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamingRelaysSSE(t *testing.T) {
	streaming := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !gjson.GetBytes(body, "stream").Bool() {
			t.Errorf("expected stream:true in outbound payload")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer streaming.Close()

	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Providers[0].BaseURL = streaming.URL
		cfg.SSE.HeartbeatMS = 0
	})

	rec := postJSON(t, s.Handler(), "/v1/chat/completions",
		`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hello"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	out := rec.Body.String()
	assert.Contains(t, out, `"content":"hi"`)
	assert.Contains(t, out, "event: response.done")
	assert.Equal(t, 1, strings.Count(out, "data: [DONE]"))
}
