package pipeline

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// WarmupReport summarizes a preload pass over all configured routes.
type WarmupReport struct {
	PreloadedInstances int
	FailedInstances    []string
	Warnings           []string
	Success            bool
}

type poolEntry struct {
	instance Instance
	lastUsed time.Time
}

// Pool caches initialized module instances keyed by (type, configHash).
type Pool struct {
	registry    *Registry
	maxPerType  int
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry

	now func() time.Time
}

// NewPool builds the pool from its config block.
func NewPool(registry *Registry, cfg config.Pool) *Pool {
	maxPerType := cfg.MaxInstancesPerType
	if maxPerType <= 0 {
		maxPerType = 8
	}
	idle := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Pool{
		registry:    registry,
		maxPerType:  maxPerType,
		idleTimeout: idle,
		entries:     make(map[string]*poolEntry),
		now:         time.Now,
	}
}

func poolKey(moduleType, configHash string) string {
	return moduleType + "#" + configHash
}

// GetInstance returns the pooled instance for a module spec, creating and
// initializing it on first use.
func (p *Pool) GetInstance(ctx context.Context, spec config.ModuleSpec) (Instance, error) {
	key := poolKey(spec.Type, ConfigHash(spec.Config))

	p.mu.Lock()
	if entry, ok := p.entries[key]; ok {
		entry.lastUsed = p.now()
		instance := entry.instance
		p.mu.Unlock()
		return instance, nil
	}
	p.mu.Unlock()

	instance, err := p.registry.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := instance.Initialize(ctx); err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "pool: initialize %s", spec.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another caller may have raced us; keep the published one.
	if entry, ok := p.entries[key]; ok {
		entry.lastUsed = p.now()
		go func() {
			_ = instance.Cleanup(context.Background())
		}()
		return entry.instance, nil
	}
	p.evictLocked(ctx, spec.Type)
	p.entries[key] = &poolEntry{instance: instance, lastUsed: p.now()}
	return instance, nil
}

// evictLocked drops the least-recently-used idle entry of a type when the
// per-type cap is reached.
func (p *Pool) evictLocked(ctx context.Context, moduleType string) {
	var keys []string
	for key, entry := range p.entries {
		if entry.instance.Type() == moduleType {
			keys = append(keys, key)
		}
	}
	if len(keys) < p.maxPerType {
		return
	}
	var oldestKey string
	var oldest time.Time
	for _, key := range keys {
		entry := p.entries[key]
		if p.now().Sub(entry.lastUsed) < p.idleTimeout {
			continue
		}
		if oldestKey == "" || entry.lastUsed.Before(oldest) {
			oldestKey, oldest = key, entry.lastUsed
		}
	}
	if oldestKey == "" {
		// Nothing idle: evict the least recently used outright to honor
		// the cap.
		for _, key := range keys {
			entry := p.entries[key]
			if oldestKey == "" || entry.lastUsed.Before(oldest) {
				oldestKey, oldest = key, entry.lastUsed
			}
		}
	}
	if oldestKey != "" {
		entry := p.entries[oldestKey]
		delete(p.entries, oldestKey)
		if err := entry.instance.Cleanup(ctx); err != nil {
			log.Warnf("pool: cleanup of evicted %s: %v", entry.instance.Type(), err)
		}
	}
}

// Preload constructs instances for every module of every route synchronously.
func (p *Pool) Preload(ctx context.Context, routes []config.Route) WarmupReport {
	report := WarmupReport{Success: true}
	seen := make(map[string]bool)
	for _, route := range routes {
		for _, spec := range route.Modules {
			key := poolKey(spec.Type, ConfigHash(spec.Config))
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, err := p.GetInstance(ctx, spec); err != nil {
				report.Success = false
				report.FailedInstances = append(report.FailedInstances, spec.Type)
				report.Warnings = append(report.Warnings, err.Error())
				continue
			}
			report.PreloadedInstances++
		}
	}
	return report
}

// Size reports the number of live instances.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Shutdown cleans up every live instance and empties the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, entry := range entries {
		if err := entry.instance.Cleanup(ctx); err != nil {
			log.Warnf("pool: cleanup %s: %v", entry.instance.Type(), err)
		}
	}
}
