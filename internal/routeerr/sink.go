package routeerr

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Sink receives every error surfaced to a caller. The production sink is an
// external collaborator; delivery is best-effort and a failing sink never
// masks the original error.
type Sink interface {
	Report(stage string, err error)
}

var (
	sinkMu sync.RWMutex
	sink   Sink = logSink{}
)

// SetSink installs the process-wide error sink.
func SetSink(s Sink) {
	if s == nil {
		return
	}
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
}

// Report forwards err to the configured sink, recovering from sink panics.
func Report(stage string, err error) {
	if err == nil {
		return
	}
	sinkMu.RLock()
	s := sink
	sinkMu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("error sink panic recovered: %v", r)
		}
	}()
	s.Report(stage, err)
}

type logSink struct{}

func (logSink) Report(stage string, err error) {
	log.WithField("stage", stage).WithField("code", CodeOf(err)).Debugf("error reported: %v", err)
}
