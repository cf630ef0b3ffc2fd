// Package daemon runs the background token refresher: it scans the auth
// directory on an interval, silently refreshes tokens approaching expiry, and
// suspends files that repeatedly time out waiting for the user.
package daemon

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/lifecycle"
	"github.com/Jasonzhangf/routecodex-sub005/internal/auth/store"
	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// Daemon owns one background refresh loop.
type Daemon struct {
	cfg     config.TokenDaemon
	authDir string
	manager *lifecycle.Manager
	history *HistoryStore

	mu          sync.Mutex
	lastAttempt map[string]time.Time

	now func() time.Time
}

// New builds a daemon over the lifecycle manager. The history store may be
// nil, which disables auto-suspension tracking.
func New(cfg config.TokenDaemon, authDir string, manager *lifecycle.Manager, history *HistoryStore) *Daemon {
	return &Daemon{
		cfg:         cfg,
		authDir:     authDir,
		manager:     manager,
		history:     history,
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled, scanning every interval.
func (d *Daemon) Run(ctx context.Context) {
	interval := time.Duration(d.cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	log.Infof("token daemon: started, scanning every %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("token daemon: stopped")
			return
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}

// Scan walks the auth directory once and refreshes every eligible token.
func (d *Daemon) Scan(ctx context.Context) {
	for _, candidate := range d.listTokenFiles() {
		if ctx.Err() != nil {
			return
		}
		if err := d.maybeRefresh(ctx, candidate); err != nil {
			log.Debugf("token daemon: %s: %v", candidate, err)
		}
	}
}

// listTokenFiles collects token files under the auth directory plus the
// providers with legacy home-directory defaults.
func (d *Daemon) listTokenFiles() []store.Descriptor {
	var out []store.Descriptor
	entries, err := os.ReadDir(d.authDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("token daemon: cannot read auth dir %s: %v", d.authDir, err)
		}
	} else {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			if desc, ok := store.ParseFilename(entry.Name()); ok {
				out = append(out, desc)
			}
		}
	}

	iflow := store.NewDescriptor("iflow", "default", 1)
	if _, err := os.Stat(iflow.FilePath(d.authDir)); err == nil {
		out = append(out, iflow)
	}
	return out
}

// maybeRefresh applies the eligibility rules and throttles before refreshing
// one token file.
func (d *Daemon) maybeRefresh(ctx context.Context, desc store.Descriptor) error {
	if desc.Static() {
		return nil
	}
	path := desc.FilePath(d.authDir)
	record, err := d.manager.Files().Read(path)
	if err != nil || record == nil {
		return err
	}
	if record.NoRefresh {
		return nil
	}
	state := record.StateAt(d.now())
	if !state.HasRefresh {
		return nil
	}
	ahead := time.Duration(d.cfg.RefreshAheadSeconds) * time.Second
	if ahead <= 0 {
		ahead = 5 * time.Minute
	}
	if record.ExpiresAt > 0 && state.MsUntilExpiry > ahead.Milliseconds() {
		return nil
	}
	if !d.throttleAllows(path) {
		return nil
	}
	if suspended, errSusp := d.isSuspended(path); errSusp != nil || suspended {
		return errSusp
	}
	return d.RefreshOne(ctx, desc)
}

// throttleAllows enforces the lower bound between attempts for one file.
// Exactly at the boundary the attempt goes through.
func (d *Daemon) throttleAllows(path string) bool {
	throttle := time.Duration(d.cfg.ThrottleSeconds) * time.Second
	if throttle <= 0 {
		throttle = 5 * time.Minute
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastAttempt[path]
	if ok && d.now().Sub(last) < throttle {
		return false
	}
	d.lastAttempt[path] = d.now()
	return true
}

// isSuspended checks the auto-suspension marker against the file's current
// mtime; a rotated file lifts the suspension.
func (d *Daemon) isSuspended(path string) (bool, error) {
	if d.history == nil {
		return false, nil
	}
	suspendedAt, err := d.history.SuspendedAt(path)
	if err != nil {
		return false, err
	}
	if suspendedAt == 0 {
		return false, nil
	}
	if d.manager.Files().Mtime(path) != suspendedAt {
		if err := d.history.Resume(path); err != nil {
			return false, err
		}
		log.Infof("token daemon: %s changed on disk, resuming auto-refresh", path)
		return false, nil
	}
	return true, nil
}

// userTimeoutMarkers identify failures caused by the user not completing an
// interactive step rather than by the provider.
var userTimeoutMarkers = []string{
	"did not approve",
	"no callback received",
	"device code expired",
	"timed out",
}

func isUserTimeout(err error) bool {
	if routeerr.CodeOf(err) == routeerr.CodeAuthFlowTimedOut {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range userTimeoutMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RefreshOne refreshes a single token file silently and records the outcome.
// It is also the implementation behind "oauth <provider>-auto <file>".
func (d *Daemon) RefreshOne(ctx context.Context, desc store.Descriptor) error {
	path := desc.FilePath(d.authDir)
	_, outcome, err := d.manager.EnsureValidToken(ctx, desc, lifecycle.Options{
		DisableInteractive: true,
		RefreshAhead:       time.Duration(d.cfg.RefreshAheadSeconds) * time.Second,
	})
	d.recordOutcome(path, err)
	if err != nil {
		return err
	}
	if outcome == lifecycle.OutcomeRefreshed {
		log.Infof("token daemon: refreshed %s", path)
	}
	return nil
}

func (d *Daemon) recordOutcome(path string, err error) {
	if d.history == nil {
		return
	}
	attempt := Attempt{At: d.now().UnixMilli(), Success: err == nil}
	if err != nil {
		attempt.Error = err.Error()
		attempt.UserTimeout = isUserTimeout(err)
	}
	if errRec := d.history.RecordAttempt(path, attempt); errRec != nil {
		log.Warnf("token daemon: record attempt for %s: %v", path, errRec)
		return
	}
	if !attempt.UserTimeout {
		return
	}
	limit := d.cfg.MaxUserTimeouts
	if limit <= 0 {
		limit = 3
	}
	timeouts, errCount := d.history.ConsecutiveUserTimeouts(path)
	if errCount != nil {
		return
	}
	if timeouts >= limit {
		if errSusp := d.history.Suspend(path, d.manager.Files().Mtime(path)); errSusp == nil {
			log.Warnf("token daemon: %s auto-suspended after %d user timeouts; rotate the file to resume", path, timeouts)
		}
	}
}
