package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

var (
	bucketHistory     = []byte("refresh_history")
	bucketSuspensions = []byte("suspensions")
)

// historyCap bounds the per-file outcome list kept in the store.
const historyCap = 50

// Attempt is one recorded refresh outcome for a token file.
type Attempt struct {
	At          int64  `json:"at"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	UserTimeout bool   `json:"user_timeout,omitempty"`
}

// HistoryStore persists refresh outcomes and auto-suspensions across restarts.
type HistoryStore struct {
	db *bolt.DB
}

// OpenHistory opens (or creates) the history database at path.
func OpenHistory(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "daemon: create history dir")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "daemon: open history db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, errB := tx.CreateBucketIfNotExists(bucketHistory); errB != nil {
			return errB
		}
		_, errB := tx.CreateBucketIfNotExists(bucketSuspensions)
		return errB
	})
	if err != nil {
		_ = db.Close()
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "daemon: init history buckets")
	}
	return &HistoryStore{db: db}, nil
}

// Close releases the database.
func (h *HistoryStore) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// RecordAttempt appends one outcome for the token file, trimming old entries.
func (h *HistoryStore) RecordAttempt(tokenPath string, attempt Attempt) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHistory)
		attempts := decodeAttempts(bucket.Get([]byte(tokenPath)))
		attempts = append(attempts, attempt)
		if len(attempts) > historyCap {
			attempts = attempts[len(attempts)-historyCap:]
		}
		data, err := json.Marshal(attempts)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(tokenPath), data)
	})
}

// Attempts returns the recorded outcomes for the token file, oldest first.
func (h *HistoryStore) Attempts(tokenPath string) ([]Attempt, error) {
	var attempts []Attempt
	err := h.db.View(func(tx *bolt.Tx) error {
		attempts = decodeAttempts(tx.Bucket(bucketHistory).Get([]byte(tokenPath)))
		return nil
	})
	return attempts, err
}

// ConsecutiveUserTimeouts counts trailing user-timeout failures.
func (h *HistoryStore) ConsecutiveUserTimeouts(tokenPath string) (int, error) {
	attempts, err := h.Attempts(tokenPath)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Success || !attempts[i].UserTimeout {
			break
		}
		count++
	}
	return count, nil
}

// Suspend marks the token file as auto-suspended at its current mtime.
func (h *HistoryStore) Suspend(tokenPath string, mtimeMS int64) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(mtimeMS)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSuspensions).Put([]byte(tokenPath), data)
	})
}

// SuspendedAt returns the mtime the file carried when it was suspended, or
// zero when it is not suspended.
func (h *HistoryStore) SuspendedAt(tokenPath string) (int64, error) {
	var mtimeMS int64
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSuspensions).Get([]byte(tokenPath))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &mtimeMS)
	})
	return mtimeMS, err
}

// Resume clears a suspension after the user rotated the token file.
func (h *HistoryStore) Resume(tokenPath string) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuspensions).Delete([]byte(tokenPath))
	})
}

func decodeAttempts(data []byte) []Attempt {
	if len(data) == 0 {
		return nil
	}
	var attempts []Attempt
	if err := json.Unmarshal(data, &attempts); err != nil {
		return nil
	}
	return attempts
}
