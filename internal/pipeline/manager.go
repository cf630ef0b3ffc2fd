package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/compat"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// PreRunReport summarizes configuration validation, preload, and the per-route
// dry run performed before the manager accepts traffic.
type PreRunReport struct {
	TotalRoutes      int
	SuccessfulRoutes int
	FailedRoutes     []string
	Warnings         []string
	Success          bool
}

// SwitchReport records one pipeline mode transition.
type SwitchReport struct {
	From     string
	To       string
	Success  bool
	Duration time.Duration
	Errors   []string
}

// Manager assembles routing, pooling, and chain execution, and owns their
// lifecycle. All public methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	cfg        *config.Config
	tokens     *lifecycle.Manager
	httpClient *http.Client

	registry *Registry
	pool     *Pool
	router   *Router
	parallel *ParallelRunner

	mode        string
	initialized bool
}

// NewManager wires a manager over a prepared config. Initialize must be
// called before traffic is accepted.
func NewManager(cfg *config.Config, tokens *lifecycle.Manager, httpClient *http.Client) *Manager {
	return &Manager{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		mode:       "v2",
	}
}

// Initialize validates the configuration, builds the pool and router, and
// optionally preloads instances. A preload failure tears everything back down
// so the manager is never left half-initialized.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeLocked(ctx, m.cfg)
}

func (m *Manager) initializeLocked(ctx context.Context, cfg *config.Config) error {
	registry := NewRegistry(cfg, m.tokens, m.httpClient)
	if errs, _ := validateConfiguration(cfg, registry); len(errs) > 0 {
		err := routeerr.New(routeerr.CodeInvalidConfig, "pipeline: %s", strings.Join(errs, "; "))
		routeerr.Report("pipeline.initialize", err)
		return err
	}

	pool := NewPool(registry, cfg.Pool)
	if cfg.Pool.WarmupInstances {
		report := pool.Preload(ctx, cfg.Routes)
		if !report.Success {
			pool.Shutdown(ctx)
			err := routeerr.New(routeerr.CodeInternal, "pipeline: warmup failed: %s", strings.Join(report.Warnings, "; "))
			routeerr.Report("pipeline.initialize", err)
			return err
		}
	}

	m.cfg = cfg
	m.registry = registry
	m.pool = pool
	m.router = NewRouter(cfg, pool)
	m.parallel = NewParallelRunner(cfg.Parallel, m.executeOnce)
	m.initialized = true
	return nil
}

// ProcessRequest routes the request, materializes its chain, and drives it
// through protocol normalization, format adaptation, and the provider call.
func (m *Manager) ProcessRequest(ctx context.Context, req *Request) (*Response, error) {
	m.mu.RLock()
	router := m.router
	parallel := m.parallel
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized {
		return nil, routeerr.New(routeerr.CodeInternal, "pipeline: manager not initialized")
	}

	start := time.Now()
	resp, err := m.execute(ctx, router, req)
	if err != nil {
		routeerr.Report("pipeline.process", err)
		return nil, err
	}
	resp.Metadata.ProcessingTime = time.Since(start)
	resp.Metadata.RequestID = req.Route.RequestID

	if parallel != nil {
		parallel.ProcessParallel(req.Route.RequestID, req, resp, err, resp.Metadata.ProcessingTime)
	}
	return resp, nil
}

func (m *Manager) execute(ctx context.Context, router *Router, req *Request) (*Response, error) {
	route, err := router.Match(req)
	if err != nil {
		return nil, err
	}
	req.Route.PipelineID = route.ID

	chain, err := router.BuildChain(ctx, route, req)
	if err != nil {
		return nil, err
	}
	if err := chain.ValidateHealth(); err != nil {
		return nil, err
	}
	return runChain(ctx, chain, req)
}

// executeOnce adapts execute for the parallel runner's secondary pipeline.
func (m *Manager) executeOnce(ctx context.Context, req *Request) (*Response, error) {
	m.mu.RLock()
	router := m.router
	m.mu.RUnlock()
	if router == nil {
		return nil, routeerr.New(routeerr.CodeInternal, "pipeline: manager not initialized")
	}
	return m.execute(ctx, router, req)
}

// runChain drives one request through the materialized chain. The chain
// executes switch-in, compatibility-in, provider, compatibility-out,
// switch-out; compatibility modules unwind in reverse order.
func runChain(ctx context.Context, chain *Chain, req *Request) (*Response, error) {
	var sw *switchInstance
	var compats []*compatInstance
	var prov *providerInstance
	for i, instance := range chain.Instances {
		switch inst := instance.(type) {
		case *switchInstance:
			sw = inst
		case *compatInstance:
			compats = append(compats, inst)
		case *providerInstance:
			prov = inst
			req.Route.ProviderID = strings.TrimPrefix(chain.Specs[i].Type, "provider-")
			if v, ok := chain.Specs[i].Config["provider"].(string); ok && v != "" {
				req.Route.ProviderID = v
			}
		}
	}
	if prov == nil {
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "pipeline: route %s has no provider module", chain.Route.ID)
	}

	doc := req.Data
	var err error
	if sw != nil {
		if doc, err = sw.sw.ToChat(doc); err != nil {
			return nil, err
		}
	}

	rctx := &compat.RequestContext{
		Provider: req.Route.ProviderID,
		Model:    gjson.GetBytes(doc, "model").String(),
		Stream:   req.Metadata.Stream,
	}
	for _, c := range compats {
		if doc, err = c.mod.ProcessIncoming(ctx, doc, rctx); err != nil {
			return nil, err
		}
	}
	if model := gjson.GetBytes(doc, "model").String(); model != "" {
		rctx.Model = model
	}

	if req.Metadata.Stream {
		upstream, err := prov.client.OpenStream(ctx, doc)
		if err != nil {
			return nil, err
		}
		return &Response{
			Stream: upstream,
			Status: upstream.StatusCode,
			Metadata: ResponseMetadata{
				Model:     rctx.Model,
				RequestID: req.Route.RequestID,
			},
		}, nil
	}

	body, err := prov.client.Execute(ctx, doc)
	if err != nil {
		return nil, err
	}
	for i := len(compats) - 1; i >= 0; i-- {
		if body, err = compats[i].mod.ProcessOutgoing(ctx, body, rctx); err != nil {
			return nil, err
		}
	}
	if sw != nil {
		if body, err = sw.sw.FromChat(body); err != nil {
			return nil, err
		}
	}

	return &Response{
		Data:   body,
		Status: http.StatusOK,
		Metadata: ResponseMetadata{
			Model:      rctx.Model,
			RequestID:  req.Route.RequestID,
			TokensUsed: gjson.GetBytes(body, "usage.total_tokens").Int(),
		},
	}, nil
}

// validateConfiguration cross-checks route modules against the registry and
// enforces that every chain ends in a protocol switch.
func validateConfiguration(cfg *config.Config, registry *Registry) (errs, warnings []string) {
	if len(cfg.Routes) == 0 {
		warnings = append(warnings, "no routes configured")
	}
	seen := make(map[string]bool)
	for _, route := range cfg.Routes {
		if seen[route.ID] {
			errs = append(errs, fmt.Sprintf("route %s: duplicate id", route.ID))
		}
		seen[route.ID] = true
		if len(route.Modules) == 0 {
			errs = append(errs, fmt.Sprintf("route %s: empty module chain", route.ID))
			continue
		}
		for _, spec := range route.Modules {
			if !registry.Known(spec.Type) {
				errs = append(errs, fmt.Sprintf("route %s: unknown module type %q", route.ID, spec.Type))
			}
		}
		last := route.Modules[len(route.Modules)-1]
		if !strings.Contains(last.Type, "llmswitch") {
			errs = append(errs, fmt.Sprintf("route %s: Tools Unique Entrance violated: last module %q is not an llmswitch", route.ID, last.Type))
		}
	}
	if cfg.DefaultRoute != "" && !seen[cfg.DefaultRoute] {
		errs = append(errs, fmt.Sprintf("default route %q does not exist", cfg.DefaultRoute))
	}
	return errs, warnings
}

// ValidateConfiguration exposes the cross-check for pre-flight tooling.
func (m *Manager) ValidateConfiguration(cfg *config.Config) (errs, warnings []string) {
	return validateConfiguration(cfg, NewRegistry(cfg, m.tokens, m.httpClient))
}

// ExecutePreRun validates the config, preloads all instances, and dry-runs a
// mock request against every route. Any non-recoverable failure fails the
// report.
func (m *Manager) ExecutePreRun(ctx context.Context, cfg *config.Config) PreRunReport {
	report := PreRunReport{TotalRoutes: len(cfg.Routes), Success: true}

	registry := NewRegistry(cfg, m.tokens, m.httpClient)
	errs, warnings := validateConfiguration(cfg, registry)
	report.Warnings = append(report.Warnings, warnings...)
	if len(errs) > 0 {
		report.Success = false
		report.FailedRoutes = append(report.FailedRoutes, errs...)
		return report
	}

	pool := NewPool(registry, cfg.Pool)
	defer pool.Shutdown(ctx)
	warmup := pool.Preload(ctx, cfg.Routes)
	report.Warnings = append(report.Warnings, warmup.Warnings...)
	if !warmup.Success {
		report.Success = false
	}

	router := NewRouter(cfg, pool)
	for _, route := range cfg.Routes {
		if err := simulateDataFlow(ctx, router, &route); err != nil {
			report.FailedRoutes = append(report.FailedRoutes, route.ID)
			report.Warnings = append(report.Warnings, fmt.Sprintf("route %s: %v", route.ID, err))
			report.Success = false
			continue
		}
		report.SuccessfulRoutes++
	}
	return report
}

// simulateDataFlow builds a mock request consistent with the route's pattern
// and materializes its chain without calling the provider.
func simulateDataFlow(ctx context.Context, router *Router, route *config.Route) error {
	req := &Request{Data: mockRequestFor(route)}
	chain, err := router.BuildChain(ctx, route, req)
	if err != nil {
		return err
	}
	return chain.ValidateHealth()
}

// mockRequestFor synthesizes a request matching the route pattern: regex
// model patterns get a literal placeholder, tool-gated routes a synthetic
// tool.
func mockRequestFor(route *config.Route) []byte {
	model := route.Pattern.Model
	if model == "" || route.Pattern.ModelRegexp() != nil {
		model = "prerun-model"
	}
	doc := fmt.Sprintf(`{"model":%q,"messages":[{"role":"user","content":"ping"}]}`, model)
	if route.Pattern.HasTools != nil && *route.Pattern.HasTools {
		doc = strings.TrimSuffix(doc, "}") +
			`,"tools":[{"type":"function","function":{"name":"prerun_probe","parameters":{"type":"object"}}}]}`
	}
	return []byte(doc)
}

// SwitchMode transitions between pipeline modes. Switching into v2 or hybrid
// runs the pre-run gate first.
func (m *Manager) SwitchMode(ctx context.Context, target string) SwitchReport {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	report := SwitchReport{From: m.mode, To: target}
	switch target {
	case "v1", "v2", "hybrid":
	default:
		report.Errors = append(report.Errors, fmt.Sprintf("unknown mode %q", target))
		report.Duration = time.Since(start)
		return report
	}

	if target != "v1" && m.mode != target {
		pre := m.ExecutePreRun(ctx, m.cfg)
		if !pre.Success {
			report.Errors = append(report.Errors, pre.Warnings...)
			report.Duration = time.Since(start)
			return report
		}
	}

	m.mode = target
	report.Success = true
	report.Duration = time.Since(start)
	log.Infof("pipeline: switched mode %s -> %s in %s", report.From, report.To, report.Duration)
	return report
}

// Mode reports the current pipeline mode.
func (m *Manager) Mode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// ReloadConfiguration swaps in a new config: the old pool is shut down and
// everything is rebuilt. On failure the manager keeps the previous state.
func (m *Manager) ReloadConfiguration(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldPool := m.pool
	if err := m.initializeLocked(ctx, cfg); err != nil {
		return err
	}
	if oldPool != nil {
		oldPool.Shutdown(ctx)
	}
	log.Info("pipeline: configuration reloaded")
	return nil
}

// Shutdown closes components in reverse dependency order.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parallel != nil {
		m.parallel.Shutdown()
	}
	if m.pool != nil {
		m.pool.Shutdown(ctx)
	}
	m.router = nil
	m.initialized = false
}
