// Package pipeline wires routing, module pooling, and chain execution: a
// request enters in some dialect, is normalized by the route's llmswitch,
// adapted by compatibility modules, executed against a provider, and
// projected back out. Chains are described in config and materialized from a
// shared instance pool.
package pipeline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/compat"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/llmswitch"
	"github.com/Jasonzhangf/routecodex-sub005/internal/provider"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// RouteInfo identifies where a request was sent and by which route.
type RouteInfo struct {
	ProviderID string
	ModelID    string
	RequestID  string
	PipelineID string
	Timestamp  int64
}

// Metadata carries transport facts alongside the payload.
type Metadata struct {
	EntryEndpoint  string
	Headers        map[string]string
	Stream         bool
	TargetProtocol llmswitch.Dialect
}

// Request is the canonical internal request shape. Data is the raw JSON
// payload in the inbound dialect.
type Request struct {
	Data     []byte
	Route    RouteInfo
	Metadata Metadata
}

// ResponseMetadata summarizes one processed request.
type ResponseMetadata struct {
	ProcessingTime time.Duration
	TokensUsed     int64
	RequestID      string
	Model          string
}

// Response is the canonical internal response shape. Exactly one of Data and
// Stream is set; Stream hands the upstream HTTP response to the SSE bridge.
type Response struct {
	Data     []byte
	Stream   *http.Response
	Status   int
	Headers  map[string]string
	Metadata ResponseMetadata
}

// Instance is one pooled module. Instances are shared across requests; all
// per-call state stays on the stack.
type Instance interface {
	Type() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Healthy() bool
}

// Registry resolves module types to instances. It carries the shared
// dependencies modules need at construction time.
type Registry struct {
	cfg        *config.Config
	tokens     *lifecycle.Manager
	httpClient *http.Client
}

// NewRegistry builds the module factory registry.
func NewRegistry(cfg *config.Config, tokens *lifecycle.Manager, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Registry{cfg: cfg, tokens: tokens, httpClient: httpClient}
}

// Known reports whether a module type can be built.
func (r *Registry) Known(moduleType string) bool {
	return strings.HasPrefix(moduleType, "llmswitch") ||
		strings.HasPrefix(moduleType, "compat-") ||
		strings.HasPrefix(moduleType, "provider-")
}

// Build constructs an uninitialized instance for the module spec.
func (r *Registry) Build(spec config.ModuleSpec) (Instance, error) {
	switch {
	case strings.HasPrefix(spec.Type, "llmswitch"):
		dialect := llmswitch.DialectChat
		if v, ok := spec.Config["dialect"].(string); ok && v != "" {
			dialect = llmswitch.Dialect(v)
		}
		sw, err := llmswitch.New(dialect)
		if err != nil {
			return nil, err
		}
		return &switchInstance{moduleType: spec.Type, sw: sw}, nil

	case strings.HasPrefix(spec.Type, "compat-"):
		family := strings.TrimPrefix(spec.Type, "compat-")
		mod, err := compat.New(family)
		if err != nil {
			return nil, err
		}
		return &compatInstance{moduleType: spec.Type, mod: mod}, nil

	case strings.HasPrefix(spec.Type, "provider-"):
		providerID := strings.TrimPrefix(spec.Type, "provider-")
		if v, ok := spec.Config["provider"].(string); ok && v != "" {
			providerID = v
		}
		pcfg, ok := r.cfg.ProviderByID(providerID)
		if !ok {
			return nil, routeerr.New(routeerr.CodeInvalidConfig, "pipeline: module %s references unknown provider %q", spec.Type, providerID)
		}
		client, err := provider.NewClient(*pcfg, r.tokens, r.httpClient)
		if err != nil {
			return nil, err
		}
		return &providerInstance{moduleType: spec.Type, client: client}, nil

	default:
		return nil, routeerr.New(routeerr.CodeMissingModuleType, "pipeline: unknown module type %q", spec.Type)
	}
}

type switchInstance struct {
	moduleType  string
	sw          llmswitch.Switch
	initialized bool
}

func (s *switchInstance) Type() string                     { return s.moduleType }
func (s *switchInstance) Initialize(context.Context) error { s.initialized = true; return nil }
func (s *switchInstance) Cleanup(context.Context) error    { s.initialized = false; return nil }
func (s *switchInstance) Healthy() bool                    { return s.initialized }

type compatInstance struct {
	moduleType  string
	mod         compat.Module
	initialized bool
}

func (c *compatInstance) Type() string                     { return c.moduleType }
func (c *compatInstance) Initialize(context.Context) error { c.initialized = true; return nil }
func (c *compatInstance) Cleanup(context.Context) error    { c.initialized = false; return nil }
func (c *compatInstance) Healthy() bool                    { return c.initialized }

type providerInstance struct {
	moduleType  string
	client      *provider.Client
	initialized bool
}

func (p *providerInstance) Type() string                     { return p.moduleType }
func (p *providerInstance) Initialize(context.Context) error { p.initialized = true; return nil }
func (p *providerInstance) Cleanup(context.Context) error    { p.initialized = false; return nil }
func (p *providerInstance) Healthy() bool                    { return p.initialized }
