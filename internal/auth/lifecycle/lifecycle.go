// Package lifecycle orchestrates token validity on top of the store and the
// acquisition flows: it decides between cache hit, silent refresh, and
// interactive re-authorization, serializes concurrent callers per token file,
// and throttles repeated failures.
package lifecycle

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/oauth"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// Outcome reports which branch satisfied an ensure call.
type Outcome int

const (
	OutcomeCacheHit Outcome = iota
	OutcomeRefreshed
	OutcomeReauthorized
	OutcomeNoop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeReauthorized:
		return "reauthorized"
	case OutcomeNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Options tune one ensure call.
type Options struct {
	// ForceReauthorize skips refresh and runs the interactive flow even for
	// a currently valid token.
	ForceReauthorize bool
	// ForceReacquireIfRefreshFails escalates a failed silent refresh to the
	// interactive flow instead of returning the refresh error.
	ForceReacquireIfRefreshFails bool
	// OpenBrowser is passed through to the interactive flows.
	OpenBrowser bool
	// DisableInteractive fails instead of starting an interactive flow.
	// The refresh daemon runs with this set.
	DisableInteractive bool
	// RefreshAhead widens the "near expiry" window beyond the default
	// 60-second skew so tokens can be rotated before callers notice.
	RefreshAhead time.Duration
}

// failureThrottle is how long a failed ensure result is replayed to callers
// before the endpoints are tried again.
const failureThrottle = time.Minute

// StrategyFactory builds the acquisition strategy for a provider. Injectable
// for tests.
type StrategyFactory func(provider string) (*oauth.Strategy, error)

type throttleEntry struct {
	at  time.Time
	err error
}

// Manager drives token validity for all providers in the process.
type Manager struct {
	files       *store.FileStore
	authDir     string
	newStrategy StrategyFactory

	group singleflight.Group

	mu       sync.Mutex
	failures map[string]throttleEntry

	// interactiveMu serializes interactive authorizations process-wide so
	// two tokens never compete for the user's browser.
	interactiveMu sync.Mutex

	now func() time.Time
}

// NewManager builds a lifecycle manager over authDir. A nil factory uses the
// built-in endpoint resolution with the given HTTP client.
func NewManager(authDir string, httpClient *http.Client, factory StrategyFactory) *Manager {
	if factory == nil {
		factory = func(provider string) (*oauth.Strategy, error) {
			return oauth.NewStrategy(provider, nil, httpClient)
		}
	}
	return &Manager{
		files:       store.NewFileStore(),
		authDir:     authDir,
		newStrategy: factory,
		failures:    make(map[string]throttleEntry),
		now:         time.Now,
	}
}

// Files exposes the underlying token file store.
func (m *Manager) Files() *store.FileStore { return m.files }

type ensureResult struct {
	record  *store.Record
	outcome Outcome
}

// EnsureValidToken returns a token record that is valid right now, refreshing
// or re-authorizing as needed. Calls for the same (provider, path) coalesce
// into one in-flight operation; every waiter receives the same result.
func (m *Manager) EnsureValidToken(ctx context.Context, desc store.Descriptor, opts Options) (*store.Record, Outcome, error) {
	path := desc.FilePath(m.authDir)
	key := desc.Provider + "|" + path

	if !opts.ForceReauthorize {
		if err := m.replayedFailure(key); err != nil {
			return nil, OutcomeNoop, err
		}
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		res, errEnsure := m.ensure(ctx, desc, path, opts)
		m.recordAttempt(key, errEnsure)
		if errEnsure != nil {
			return nil, errEnsure
		}
		return res, nil
	})
	if err != nil {
		return nil, OutcomeNoop, err
	}
	res := v.(ensureResult)
	return res.record, res.outcome, nil
}

// replayedFailure returns the previous error when the last attempt for this
// key failed less than failureThrottle ago.
func (m *Manager) replayedFailure(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.failures[key]
	if !ok || entry.err == nil {
		return nil
	}
	if m.now().Sub(entry.at) < failureThrottle {
		return entry.err
	}
	return nil
}

func (m *Manager) recordAttempt(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, key)
		return
	}
	m.failures[key] = throttleEntry{at: m.now(), err: err}
}

func (m *Manager) ensure(ctx context.Context, desc store.Descriptor, path string, opts Options) (ensureResult, error) {
	record, err := m.files.Read(path)
	if err != nil {
		return ensureResult{}, err
	}

	// Locked tokens are never touched, not even when forced.
	if desc.Static() || (record != nil && record.NoRefresh) {
		if record == nil {
			return ensureResult{}, routeerr.New(routeerr.CodeAuthMissing, "lifecycle: static token file %s is missing", path)
		}
		return ensureResult{record: record, outcome: OutcomeNoop}, nil
	}

	now := m.now()
	if record != nil && !opts.ForceReauthorize {
		state := record.StateAt(now)
		nearExpiry := state.IsExpiredOrNear
		if !nearExpiry && opts.RefreshAhead > 0 && record.ExpiresAt > 0 && state.MsUntilExpiry <= opts.RefreshAhead.Milliseconds() {
			nearExpiry = true
		}
		if !nearExpiry && (state.HasAccess || state.HasAPIKey) {
			if err := m.backfillMetadata(ctx, desc, path, record); err == nil {
				return ensureResult{record: record, outcome: OutcomeCacheHit}, nil
			} else if !routeerr.IsAuthError(err) {
				log.Warnf("lifecycle: metadata backfill for %s failed: %v", path, err)
				return ensureResult{record: record, outcome: OutcomeCacheHit}, nil
			}
			// Auth-class backfill failure invalidates the token; fall
			// through to the interactive branch below.
			log.Warnf("lifecycle: token %s rejected during metadata backfill, re-authorizing", path)
		} else if nearExpiry && state.HasRefresh {
			refreshed, errRefresh := m.refresh(ctx, desc, path, record)
			if errRefresh == nil {
				return ensureResult{record: refreshed, outcome: OutcomeRefreshed}, nil
			}
			if !opts.ForceReacquireIfRefreshFails {
				return ensureResult{}, errRefresh
			}
			log.Warnf("lifecycle: silent refresh for %s failed (%v), re-authorizing", path, errRefresh)
		}
	}

	if opts.DisableInteractive {
		if record == nil {
			return ensureResult{}, routeerr.New(routeerr.CodeAuthMissing, "lifecycle: token file %s is missing and interactive auth is disabled", path)
		}
		return ensureResult{}, routeerr.New(routeerr.CodeAuthRefreshFailed, "lifecycle: token %s needs interactive re-authorization", path)
	}

	reacquired, err := m.reauthorize(ctx, desc, path, record, opts)
	if err != nil {
		return ensureResult{}, err
	}
	return ensureResult{record: reacquired, outcome: OutcomeReauthorized}, nil
}

func (m *Manager) refresh(ctx context.Context, desc store.Descriptor, path string, record *store.Record) (*store.Record, error) {
	strategy, err := m.newStrategy(desc.Provider)
	if err != nil {
		return nil, err
	}
	refreshed, err := strategy.Refresh(ctx, record)
	if err != nil {
		return nil, err
	}
	if err := m.files.Write(path, refreshed); err != nil {
		return nil, err
	}
	log.Infof("lifecycle: refreshed token %s", path)
	return refreshed, nil
}

// reauthorize runs the provider's interactive flow. An existing file is backed
// up first; the backup is restored on failure and discarded on success.
func (m *Manager) reauthorize(ctx context.Context, desc store.Descriptor, path string, prev *store.Record, opts Options) (*store.Record, error) {
	m.interactiveMu.Lock()
	defer m.interactiveMu.Unlock()

	strategy, err := m.newStrategy(desc.Provider)
	if err != nil {
		return nil, err
	}
	strategy.OpenBrowser = opts.OpenBrowser

	var backupPath string
	if prev != nil {
		backupPath, err = m.files.Backup(path)
		if err != nil {
			return nil, err
		}
	}

	record, err := strategy.Authorize(ctx)
	if err != nil {
		if backupPath != "" {
			if errRestore := m.files.Restore(backupPath, path); errRestore != nil {
				log.Errorf("lifecycle: failed to restore %s from backup: %v", path, errRestore)
			}
		}
		return nil, err
	}
	if err := m.files.Write(path, record); err != nil {
		return nil, err
	}
	if backupPath != "" {
		m.files.Discard(backupPath)
	}
	log.Infof("lifecycle: authorized %s token %s", desc.Provider, path)
	return record, nil
}

// backfillMetadata completes provider metadata a valid token may lack, such
// as a gemini project id. Non-gemini providers are a no-op.
func (m *Manager) backfillMetadata(ctx context.Context, desc store.Descriptor, path string, record *store.Record) error {
	if desc.Provider != "gemini-cli" && desc.Provider != "antigravity" {
		return nil
	}
	if record.ProjectID != "" {
		return nil
	}
	strategy, err := m.newStrategy(desc.Provider)
	if err != nil {
		return err
	}
	if err := strategy.Backfill(ctx, record); err != nil {
		return err
	}
	if record.ProjectID != "" {
		if err := m.files.Write(path, record); err != nil {
			return err
		}
	}
	return nil
}

// upstream auth-failure signatures that warrant a token repair.
var invalidTokenMarkers = []string{
	"invalid_token",
	"invalid_grant",
	"unauthenticated",
	"token has expired",
}

// LooksLikeInvalidToken reports whether an upstream response indicates the
// access token itself is bad.
func LooksLikeInvalidToken(statusCode int, body []byte) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, marker := range invalidTokenMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// HandleUpstreamInvalidToken inspects an upstream auth failure and attempts a
// token repair. It returns true when the caller should retry the original
// request with the repaired token.
func (m *Manager) HandleUpstreamInvalidToken(ctx context.Context, desc store.Descriptor, statusCode int, body []byte) bool {
	if !LooksLikeInvalidToken(statusCode, body) {
		return false
	}
	_, outcome, err := m.EnsureValidToken(ctx, desc, Options{
		ForceReauthorize:             false,
		ForceReacquireIfRefreshFails: false,
	})
	if err != nil {
		// The cached token looked valid but upstream rejected it: force a
		// refresh-or-reauth round.
		_, outcome, err = m.EnsureValidToken(ctx, desc, Options{ForceReauthorize: true})
		if err != nil {
			log.Warnf("lifecycle: token repair for %s failed: %v", desc.Provider, err)
			return false
		}
	}
	if outcome == OutcomeCacheHit || outcome == OutcomeNoop {
		// Nothing changed, so a retry would hit the same rejection. Force
		// the expiry so the next ensure refreshes.
		path := desc.FilePath(m.authDir)
		record, readErr := m.files.Read(path)
		if readErr != nil || record == nil || record.RefreshToken == "" || record.NoRefresh || desc.Static() {
			return false
		}
		record.ExpiresAt = m.now().UnixMilli()
		if writeErr := m.files.Write(path, record); writeErr != nil {
			return false
		}
		_, outcome, err = m.EnsureValidToken(ctx, desc, Options{ForceReacquireIfRefreshFails: false})
		if err != nil {
			log.Warnf("lifecycle: forced refresh for %s failed: %v", desc.Provider, err)
			return false
		}
		return outcome == OutcomeRefreshed || outcome == OutcomeReauthorized
	}
	return true
}
