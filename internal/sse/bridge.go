// Package sse relays provider event streams to clients: upstream events are
// proxied with normalized framing, heartbeats keep idle connections alive,
// and every stream closes with a single terminal sentinel.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

const (
	doneEvent    = "event: response.done\ndata: {\"type\":\"response.done\"}\n\n"
	doneSentinel = "data: [DONE]\n\n"

	// Provider deltas can carry large tool-call arguments in one line.
	maxLineSize = 1 << 20
)

// Bridge streams one upstream SSE body to a client connection.
type Bridge struct {
	heartbeat time.Duration
	trimDelta bool
	now       func() time.Time
}

// NewBridge builds a bridge from the streaming config.
func NewBridge(cfg config.SSE) *Bridge {
	return &Bridge{
		heartbeat: time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		trimDelta: cfg.TrimDeltaTrailingSpace,
		now:       time.Now,
	}
}

// Relay proxies the upstream stream to the client until the upstream closes,
// errors, or the client disconnects. The terminal sentinel is always written
// exactly once; the upstream's own [DONE] marker is swallowed so clients
// never see two.
func (b *Bridge) Relay(ctx context.Context, w http.ResponseWriter, upstream *http.Response) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return routeerr.New(routeerr.CodeInternal, "sse: response writer does not support streaming")
	}
	defer func() {
		_ = upstream.Body.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan string, 16)
	readErr := make(chan error, 1)
	go b.readEvents(upstream, events, readErr)

	var ticker *time.Ticker
	var beat <-chan time.Time
	if b.heartbeat > 0 {
		ticker = time.NewTicker(b.heartbeat)
		beat = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			// Client went away; tearing down the body unblocks the reader.
			_ = upstream.Body.Close()
			return nil
		case <-beat:
			fmt.Fprintf(w, ": heartbeat %d\n\n", b.now().UnixMilli())
			flusher.Flush()
		case event, open := <-events:
			if !open {
				err := <-readErr
				if err != nil {
					b.writeError(w, err)
				}
				b.writeTerminal(w, flusher)
				return err
			}
			_, _ = fmt.Fprint(w, event)
			flusher.Flush()
		}
	}
}

// readEvents scans the upstream body and forwards whole events, framing
// normalized to "line\n...\n\n". The channel is closed on EOF or error; the
// error (nil on clean EOF) is delivered on readErr.
func (b *Bridge) readEvents(upstream *http.Response, events chan<- string, readErr chan<- error) {
	defer close(events)

	scanner := bufio.NewScanner(upstream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lines []string
	flush := func() {
		if len(lines) == 0 {
			return
		}
		events <- strings.Join(lines, "\n") + "\n\n"
		lines = lines[:0]
	}
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		if strings.TrimSpace(line) == "data: [DONE]" {
			lines = lines[:0]
			continue
		}
		if b.trimDelta {
			line = trimDeltaLine(line)
		}
		lines = append(lines, line)
	}
	flush()
	readErr <- scanner.Err()
}

// writeError emits a response.error event for a mid-stream failure. Details
// come from the error code only; raw messages may carry upstream internals.
func (b *Bridge) writeError(w http.ResponseWriter, err error) {
	code := routeerr.CodeOf(err)
	payload, jerr := sjson.Set(`{"type":"response.error"}`, "error.code", string(code))
	if jerr != nil {
		payload = `{"type":"response.error"}`
	}
	payload, jerr = sjson.Set(payload, "error.message", err.Error())
	if jerr == nil {
		fmt.Fprintf(w, "event: response.error\ndata: %s\n\n", payload)
	}
	log.Warnf("sse: upstream stream failed: %v", err)
}

func (b *Bridge) writeTerminal(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = fmt.Fprint(w, doneEvent)
	_, _ = fmt.Fprint(w, doneSentinel)
	flusher.Flush()
}

// trimDeltaLine strips trailing spaces from streamed text deltas for clients
// that choke on them. Non-data lines and non-text deltas pass through
// untouched.
func trimDeltaLine(line string) string {
	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return line
	}
	content := gjson.Get(payload, "choices.0.delta.content")
	if content.Type != gjson.String {
		return line
	}
	trimmed := strings.TrimRight(content.String(), " ")
	if trimmed == content.String() {
		return line
	}
	updated, err := sjson.Set(payload, "choices.0.delta.content", trimmed)
	if err != nil {
		return line
	}
	return "data: " + updated
}
