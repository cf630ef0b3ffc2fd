// Package usage aggregates token consumption per provider and model. Records
// are published from the request path without blocking and folded into
// in-memory totals by a background worker; the management API exposes the
// snapshot.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is the usage captured for one completed request.
type Record struct {
	Provider string
	Model    string
	Prompt   int64
	Output   int64
	Total    int64
	At       time.Time
}

// Stats are the accumulated totals for one provider/model pair.
type Stats struct {
	Requests     int64     `json:"requests"`
	PromptTokens int64     `json:"prompt_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	LastAt       time.Time `json:"last_at"`
}

// Tracker folds published records into per-key totals.
type Tracker struct {
	once     sync.Once
	stopOnce sync.Once
	cancel   context.CancelFunc
	queue    chan Record

	mu     sync.RWMutex
	totals map[string]*Stats
}

// NewTracker constructs a tracker with a buffered queue.
func NewTracker(buffer int) *Tracker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Tracker{
		queue:  make(chan Record, buffer),
		totals: make(map[string]*Stats),
	}
}

// Start launches the background worker. Calling Start multiple times is safe.
func (t *Tracker) Start(ctx context.Context) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		var workerCtx context.Context
		workerCtx, t.cancel = context.WithCancel(ctx)
		go t.run(workerCtx)
	})
}

// Stop halts the worker after draining pending records.
func (t *Tracker) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// Publish enqueues one record. A full queue drops the record rather than
// blocking the request path.
func (t *Tracker) Publish(record Record) {
	if t == nil {
		return
	}
	t.Start(context.Background())
	select {
	case t.queue <- record:
	default:
		log.Debugf("usage: queue full, dropping record for provider %s", record.Provider)
	}
}

func (t *Tracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.drain()
			return
		case record := <-t.queue:
			t.fold(record)
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case record := <-t.queue:
			t.fold(record)
		default:
			return
		}
	}
}

func (t *Tracker) fold(record Record) {
	key := record.Provider + "/" + record.Model
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, ok := t.totals[key]
	if !ok {
		stats = &Stats{}
		t.totals[key] = stats
	}
	stats.Requests++
	stats.PromptTokens += record.Prompt
	stats.OutputTokens += record.Output
	stats.TotalTokens += record.Total
	if record.At.After(stats.LastAt) {
		stats.LastAt = record.At
	}
}

// Snapshot returns a copy of the accumulated totals keyed by
// "provider/model".
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Stats, len(t.totals))
	for key, stats := range t.totals {
		out[key] = *stats
	}
	return out
}
