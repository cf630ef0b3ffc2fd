package pipeline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

func preparedConfig(t *testing.T, cfg *config.Config) *config.Config {
	t.Helper()
	require.NoError(t, cfg.Prepare())
	return cfg
}

func qwenConfig(t *testing.T, baseURL string) *config.Config {
	return preparedConfig(t, &config.Config{
		Providers: []config.Provider{{
			ID:       "qwen",
			Provider: "qwen",
			BaseURL:  baseURL,
			Auth:     config.ProviderAuth{Type: "apikey", APIKey: "test-key"},
		}},
		Routes: []config.Route{{
			ID:       "qwen-chat",
			Priority: 10,
			Pattern:  config.Pattern{Model: "gpt-4o"},
			Modules: []config.ModuleSpec{
				{Type: "compat-qwen"},
				{Type: "provider-qwen"},
				{Type: "llmswitch-openai-openai", Config: map[string]any{"dialect": "chat"}},
			},
		}},
		DefaultRoute: "qwen-chat",
	})
}

func TestConfigHashOrderIndependent(t *testing.T) {
	a := ConfigHash(map[string]any{"x": 1, "y": []any{"a", "b"}, "z": map[string]any{"k": true}})
	b := ConfigHash(map[string]any{"z": map[string]any{"k": true}, "y": []any{"a", "b"}, "x": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ConfigHash(map[string]any{"x": 2}))
	assert.Len(t, a, 16)
}

func TestPoolReusesInstances(t *testing.T) {
	cfg := preparedConfig(t, &config.Config{})
	pool := NewPool(NewRegistry(cfg, nil, nil), config.Pool{MaxInstancesPerType: 4})
	spec := config.ModuleSpec{Type: "llmswitch-openai-openai", Config: map[string]any{"dialect": "chat"}}

	first, err := pool.GetInstance(context.Background(), spec)
	require.NoError(t, err)
	second, err := pool.GetInstance(context.Background(), spec)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, pool.Size())
}

func TestPoolEvictsAtTypeCap(t *testing.T) {
	cfg := preparedConfig(t, &config.Config{})
	pool := NewPool(NewRegistry(cfg, nil, nil), config.Pool{MaxInstancesPerType: 2})

	for _, dialect := range []string{"chat", "responses", "anthropic"} {
		spec := config.ModuleSpec{Type: "llmswitch-openai-openai", Config: map[string]any{"dialect": dialect}}
		_, err := pool.GetInstance(context.Background(), spec)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, pool.Size())
}

func TestRouterPriorityAndDefault(t *testing.T) {
	hasTools := true
	cfg := preparedConfig(t, &config.Config{
		Routes: []config.Route{
			{ID: "generic", Priority: 1, Pattern: config.Pattern{Model: `^gpt-.*$`}},
			{ID: "tools", Priority: 9, Pattern: config.Pattern{Model: `^gpt-.*$`, HasTools: &hasTools}},
			{ID: "fallback", Priority: 0},
		},
		DefaultRoute: "fallback",
	})
	router := NewRouter(cfg, nil)

	route, err := router.Match(&Request{Data: []byte(`{"model":"gpt-4o","tools":[{"type":"function"}]}`)})
	require.NoError(t, err)
	assert.Equal(t, "tools", route.ID)

	route, err = router.Match(&Request{Data: []byte(`{"model":"gpt-4o"}`)})
	require.NoError(t, err)
	assert.Equal(t, "generic", route.ID)

	route, err = router.Match(&Request{Data: []byte(`{"model":"claude-3"}`)})
	require.NoError(t, err)
	assert.Equal(t, "fallback", route.ID)
}

func TestRouterNoMatchWithoutDefault(t *testing.T) {
	cfg := preparedConfig(t, &config.Config{
		Routes: []config.Route{{ID: "only", Priority: 1, Pattern: config.Pattern{Model: "gpt-4o"}}},
	})
	router := NewRouter(cfg, nil)

	_, err := router.Match(&Request{Data: []byte(`{"model":"other"}`)})
	require.Error(t, err)
	assert.Equal(t, routeerr.CodeRouteNotFound, routeerr.CodeOf(err))
	assert.Equal(t, 404, routeerr.StatusOf(err))
}

func TestEvalCondition(t *testing.T) {
	doc := gjson.Parse(`{"model":"gpt-4o","temperature":0.7,"tools":[{"type":"function"}]}`)
	cases := []struct {
		name string
		cond config.Condition
		want bool
	}{
		{"exists true", config.Condition{Field: "tools", Operator: "exists"}, true},
		{"exists false", config.Condition{Field: "stream", Operator: "exists"}, false},
		{"equals", config.Condition{Field: "model", Operator: "equals", Value: "gpt-4o"}, true},
		{"contains", config.Condition{Field: "model", Operator: "contains", Value: "4o"}, true},
		{"matches", config.Condition{Field: "model", Operator: "matches", Value: `^gpt-\d`}, true},
		{"gt", config.Condition{Field: "temperature", Operator: "gt", Value: 0.5}, true},
		{"lt false", config.Condition{Field: "temperature", Operator: "lt", Value: 0.5}, false},
		{"unknown operator fails closed", config.Condition{Field: "model", Operator: "like", Value: "gpt"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evalCondition(&tc.cond, doc))
		})
	}
}

// An OpenAI Chat request for gpt-4o routed to Qwen: the outbound payload
// carries the mapped model and the portal input mirror, and the provider's
// bare response comes back with the full completion envelope.
func TestChatThroughQwenRoute(t *testing.T) {
	var outbound []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outbound, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer srv.Close()

	m := NewManager(qwenConfig(t, srv.URL), nil, srv.Client())
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	resp, err := m.ProcessRequest(context.Background(), &Request{
		Data:  []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`),
		Route: RouteInfo{RequestID: "req-1"},
	})
	require.NoError(t, err)

	sent := gjson.ParseBytes(outbound)
	assert.Equal(t, "qwen3-coder-plus", sent.Get("model").String())
	assert.Equal(t, "user", sent.Get("input.0.role").String())
	assert.Equal(t, "hello", sent.Get("input.0.content.0.text").String())
	assert.Equal(t, "hello", sent.Get("messages.0.content").String())

	body := gjson.ParseBytes(resp.Data)
	assert.Equal(t, "chat.completion", body.Get("object").String())
	assert.Regexp(t, regexp.MustCompile(`^chatcmpl_`), body.Get("id").String())
	assert.Equal(t, "qwen3-coder-plus", body.Get("model").String())
	assert.Equal(t, "hi", body.Get("choices.0.message.content").String())
	assert.EqualValues(t, 2, resp.Metadata.TokensUsed)
	assert.Equal(t, "qwen3-coder-plus", resp.Metadata.Model)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestPreRunToolsEntranceViolation(t *testing.T) {
	cfg := preparedConfig(t, &config.Config{
		Providers: []config.Provider{{
			ID:       "qwen",
			Provider: "qwen",
			Auth:     config.ProviderAuth{Type: "apikey", APIKey: "k"},
		}},
		Routes: []config.Route{{
			ID:       "broken",
			Priority: 1,
			Modules: []config.ModuleSpec{
				{Type: "provider-qwen"},
				{Type: "compat-qwen"},
			},
		}},
	})

	m := NewManager(cfg, nil, nil)
	report := m.ExecutePreRun(context.Background(), cfg)
	assert.False(t, report.Success)
	require.NotEmpty(t, report.FailedRoutes)
	assert.Contains(t, report.FailedRoutes[0], "Tools Unique Entrance")
}

func TestPreRunDryRunsEveryRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	hasTools := true
	cfg := preparedConfig(t, &config.Config{
		Providers: []config.Provider{{
			ID:       "qwen",
			Provider: "qwen",
			BaseURL:  srv.URL,
			Auth:     config.ProviderAuth{Type: "apikey", APIKey: "k"},
		}},
		Routes: []config.Route{
			{
				ID:       "regex-route",
				Priority: 2,
				Pattern:  config.Pattern{Model: `^gpt-.*$`},
				Modules: []config.ModuleSpec{
					{Type: "compat-qwen"},
					{Type: "provider-qwen"},
					{Type: "llmswitch-openai-openai"},
				},
			},
			{
				ID:       "tool-route",
				Priority: 1,
				Pattern:  config.Pattern{Model: "gpt-4o", HasTools: &hasTools},
				Modules: []config.ModuleSpec{
					{Type: "compat-qwen"},
					{Type: "provider-qwen"},
					{Type: "llmswitch-openai-openai"},
				},
			},
		},
	})

	m := NewManager(cfg, nil, srv.Client())
	report := m.ExecutePreRun(context.Background(), cfg)
	assert.True(t, report.Success, "warnings: %v", report.Warnings)
	assert.Equal(t, 2, report.TotalRoutes)
	assert.Equal(t, 2, report.SuccessfulRoutes)
	assert.Empty(t, report.FailedRoutes)
}

func TestMockRequestMatchesPattern(t *testing.T) {
	hasTools := true
	cfg := preparedConfig(t, &config.Config{
		Routes: []config.Route{{
			ID:      "r",
			Pattern: config.Pattern{Model: `^qwen-.*$`, HasTools: &hasTools},
		}},
	})
	doc := gjson.ParseBytes(mockRequestFor(&cfg.Routes[0]))
	assert.Equal(t, "prerun-model", doc.Get("model").String())
	assert.True(t, doc.Get("tools").IsArray())
	assert.Equal(t, "prerun_probe", doc.Get("tools.0.function.name").String())
}

func TestSwitchModeValidatesTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m := NewManager(qwenConfig(t, srv.URL), nil, srv.Client())
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())

	report := m.SwitchMode(context.Background(), "v1")
	assert.True(t, report.Success)
	assert.Equal(t, "v2", report.From)
	assert.Equal(t, "v1", m.Mode())

	report = m.SwitchMode(context.Background(), "v3")
	assert.False(t, report.Success)
	assert.NotEmpty(t, report.Errors)
	assert.Equal(t, "v1", m.Mode())
}

func TestParallelRunnerCompares(t *testing.T) {
	primary := &Response{Status: 200, Data: []byte(`{"id":"1","object":"chat.completion"}`)}
	runner := NewParallelRunner(config.Parallel{
		Enabled:        true,
		SampleRate:     1,
		MaxConcurrency: 2,
		TimeoutMS:      1000,
		ComparisonMode: "lenient",
	}, func(context.Context, *Request) (*Response, error) {
		return &Response{Status: 200, Data: []byte(`{"id":"2","object":"chat.completion"}`)}, nil
	})
	runner.sample = func() float64 { return 0 }

	runner.ProcessParallel("req-1", &Request{Data: []byte(`{}`)}, primary, nil, time.Millisecond)
	runner.Shutdown()

	metrics := runner.Metrics()
	assert.EqualValues(t, 1, metrics.TotalRequests)
	assert.EqualValues(t, 1, metrics.SampledRuns)
	// Same status, same header set, same top-level keys: full score despite
	// differing body bytes.
	assert.InDelta(t, 1.0, metrics.AvgSimilarity, 0.001)
	assert.Equal(t, 1.0, metrics.MatchRate)
}

func TestParallelRunnerDropsAboveConcurrencyCap(t *testing.T) {
	runner := NewParallelRunner(config.Parallel{
		Enabled:        true,
		SampleRate:     1,
		MaxConcurrency: 1,
		TimeoutMS:      1000,
	}, func(context.Context, *Request) (*Response, error) {
		return &Response{Status: 200}, nil
	})
	runner.sample = func() float64 { return 0 }
	runner.activeRuns.Store(1)

	runner.ProcessParallel("req-1", &Request{Data: []byte(`{}`)}, &Response{Status: 200}, nil, 0)
	runner.activeRuns.Store(0)
	runner.Shutdown()

	metrics := runner.Metrics()
	assert.EqualValues(t, 1, metrics.ConcurrencyDrops)
	assert.EqualValues(t, 0, metrics.SampledRuns)
}

func TestParallelRunnerDisabled(t *testing.T) {
	assert.Nil(t, NewParallelRunner(config.Parallel{Enabled: false}, nil))
}

func TestStructuralSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, structuralSimilarity([]byte(`{"a":1,"b":2}`), []byte(`{"b":9,"a":0}`)))
	assert.Equal(t, 0.5, structuralSimilarity([]byte(`{"a":1,"b":2}`), []byte(`{"a":1}`)))
	assert.Equal(t, 0.0, structuralSimilarity([]byte(`{"a":1}`), []byte(`{"x":1}`)))
}
