package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
)

const (
	parallelHistoryCap = 1000
	parallelMetricsWin = 100
)

// executeFunc runs one request through a pipeline and is supplied by the
// manager so the runner stays decoupled from routing.
type executeFunc func(ctx context.Context, req *Request) (*Response, error)

// ParallelRun records one shadow execution and its comparison outcome.
type ParallelRun struct {
	RequestID         string
	Similarity        float64
	Match             bool
	PrimaryDuration   time.Duration
	SecondaryDuration time.Duration
	SecondaryError    string
	At                time.Time
}

// ParallelMetrics aggregates outcomes over the most recent runs.
type ParallelMetrics struct {
	TotalRequests    int64
	SampledRuns      int64
	ConcurrencyDrops int64
	TimeoutErrors    int64
	MatchRate        float64
	AvgSimilarity    float64
	AvgSecondary     time.Duration
}

// ParallelRunner shadow-executes sampled requests through a secondary
// pipeline and compares the outcome against the primary response. It never
// blocks or fails the primary path.
type ParallelRunner struct {
	cfg config.Parallel
	run executeFunc

	totalRequests    atomic.Int64
	concurrencyDrops atomic.Int64
	timeoutErrors    atomic.Int64
	activeRuns       atomic.Int64

	mu      sync.Mutex
	history []ParallelRun

	sample func() float64
	wg     sync.WaitGroup
}

// NewParallelRunner builds a runner; returns nil when shadowing is disabled.
func NewParallelRunner(cfg config.Parallel, run executeFunc) *ParallelRunner {
	if !cfg.Enabled {
		return nil
	}
	return &ParallelRunner{cfg: cfg, run: run, sample: rand.Float64}
}

// ProcessParallel samples the request and, when selected, races a shadow
// execution against the configured timeout in the background.
func (p *ParallelRunner) ProcessParallel(requestID string, req *Request, primary *Response, primaryErr error, primaryDuration time.Duration) {
	p.totalRequests.Add(1)
	if p.sample() >= p.cfg.SampleRate {
		return
	}
	if p.activeRuns.Load() >= int64(p.cfg.MaxConcurrency) {
		p.concurrencyDrops.Add(1)
		return
	}
	// Streamed primaries have no buffered body to compare against.
	if primary == nil || primary.Stream != nil {
		return
	}

	shadowReq := &Request{
		Data:     append([]byte(nil), req.Data...),
		Route:    req.Route,
		Metadata: req.Metadata,
	}
	p.activeRuns.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.activeRuns.Add(-1)
		p.runShadow(requestID, shadowReq, primary, primaryDuration)
	}()
}

func (p *ParallelRunner) runShadow(requestID string, req *Request, primary *Response, primaryDuration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	start := time.Now()
	secondary, err := p.run(ctx, req)
	run := ParallelRun{
		RequestID:         requestID,
		PrimaryDuration:   primaryDuration,
		SecondaryDuration: time.Since(start),
		At:                time.Now(),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			p.timeoutErrors.Add(1)
		}
		run.SecondaryError = err.Error()
	} else {
		run.Similarity = compareResponses(primary, secondary)
		run.Match = p.matches(run.Similarity)
	}
	if !run.Match && run.SecondaryError == "" && p.cfg.MetricsCollection {
		log.Debugf("parallel: request %s diverged, similarity %.3f", requestID, run.Similarity)
	}
	p.record(run)
}

func (p *ParallelRunner) matches(similarity float64) bool {
	switch p.cfg.ComparisonMode {
	case "strict":
		return similarity > 0.95
	case "none":
		return true
	default:
		return similarity > 0.7
	}
}

func (p *ParallelRunner) record(run ParallelRun) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, run)
	if len(p.history) > parallelHistoryCap {
		p.history = p.history[len(p.history)-parallelHistoryCap:]
	}
}

// compareResponses scores two buffered responses: status identity, header
// key-set identity, and body identity, with structural key overlap as the
// fallback body score.
func compareResponses(primary, secondary *Response) float64 {
	const statusWeight, headerWeight, bodyWeight = 1.0, 0.8, 1.0
	total := statusWeight + headerWeight + bodyWeight

	var score float64
	if primary.Status == secondary.Status {
		score += statusWeight
	}
	if headerKeysEqual(primary.Headers, secondary.Headers) {
		score += headerWeight
	}
	if string(primary.Data) == string(secondary.Data) {
		score += bodyWeight
	} else {
		score += bodyWeight * structuralSimilarity(primary.Data, secondary.Data)
	}
	return score / total
}

func headerKeysEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// structuralSimilarity is |common top-level keys| / max(|keys1|, |keys2|).
func structuralSimilarity(a, b []byte) float64 {
	keysA := topLevelKeys(a)
	keysB := topLevelKeys(b)
	if len(keysA) == 0 && len(keysB) == 0 {
		return 1
	}
	max := len(keysA)
	if len(keysB) > max {
		max = len(keysB)
	}
	if max == 0 {
		return 0
	}
	common := 0
	for k := range keysA {
		if keysB[k] {
			common++
		}
	}
	return float64(common) / float64(max)
}

func topLevelKeys(doc []byte) map[string]bool {
	keys := make(map[string]bool)
	gjson.ParseBytes(doc).ForEach(func(key, _ gjson.Result) bool {
		keys[key.String()] = true
		return true
	})
	return keys
}

// Metrics aggregates counters plus match rate, similarity, and latency over
// the most recent window.
func (p *ParallelRunner) Metrics() ParallelMetrics {
	p.mu.Lock()
	window := p.history
	if len(window) > parallelMetricsWin {
		window = window[len(window)-parallelMetricsWin:]
	}
	runs := make([]ParallelRun, len(window))
	copy(runs, window)
	sampled := int64(len(p.history))
	p.mu.Unlock()

	m := ParallelMetrics{
		TotalRequests:    p.totalRequests.Load(),
		SampledRuns:      sampled,
		ConcurrencyDrops: p.concurrencyDrops.Load(),
		TimeoutErrors:    p.timeoutErrors.Load(),
	}
	if len(runs) == 0 {
		return m
	}
	var matches int
	var simSum float64
	var latSum time.Duration
	for _, run := range runs {
		if run.Match {
			matches++
		}
		simSum += run.Similarity
		latSum += run.SecondaryDuration
	}
	m.MatchRate = float64(matches) / float64(len(runs))
	m.AvgSimilarity = simSum / float64(len(runs))
	m.AvgSecondary = latSum / time.Duration(len(runs))
	return m
}

// History returns a copy of the bounded run history.
func (p *ParallelRunner) History() []ParallelRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ParallelRun, len(p.history))
	copy(out, p.history)
	return out
}

// Shutdown waits for in-flight shadow runs to drain.
func (p *ParallelRunner) Shutdown() {
	p.wg.Wait()
}
