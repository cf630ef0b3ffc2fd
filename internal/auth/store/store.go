package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// FileStore reads and writes token records on the local filesystem. Writers
// go through temp-file-plus-rename so readers never observe a torn document.
type FileStore struct {
	mu sync.Mutex
}

// NewFileStore creates a file-backed token store.
func NewFileStore() *FileStore { return &FileStore{} }

// Read parses the token file at path. A missing file yields (nil, nil).
func (s *FileStore) Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "token store: read %s", filepath.Base(path))
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err = json.Unmarshal(data, &doc); err != nil {
		return nil, routeerr.Wrap(routeerr.CodeInternal, err, "token store: parse %s", filepath.Base(path))
	}
	return decodeRecord(doc), nil
}

// Write persists the record atomically with mode 0600, creating the parent
// directory when needed.
func (s *FileStore) Write(path string, record *Record) error {
	if record == nil {
		return routeerr.New(routeerr.CodeInternal, "token store: record is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return routeerr.Wrap(routeerr.CodeInternal, err, "token store: create dir for %s", filepath.Base(path))
	}
	raw, err := json.MarshalIndent(record.encodeRecord(), "", "  ")
	if err != nil {
		return routeerr.Wrap(routeerr.CodeInternal, err, "token store: marshal %s", filepath.Base(path))
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return routeerr.Wrap(routeerr.CodeInternal, err, "token store: write temp for %s", filepath.Base(path))
	}
	if err = os.Rename(tmp, path); err != nil {
		return routeerr.Wrap(routeerr.CodeInternal, err, "token store: rename %s", filepath.Base(path))
	}
	return nil
}

// Backup copies the token file to "<path>.<epoch>.bak" before a forced
// reset. The primary file is never deleted; a missing primary yields "".
func (s *FileStore) Backup(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", routeerr.Wrap(routeerr.CodeInternal, err, "token store: open %s for backup", filepath.Base(path))
	}
	defer func() {
		_ = src.Close()
	}()

	backupPath := fmt.Sprintf("%s.%d.bak", path, time.Now().Unix())
	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", routeerr.Wrap(routeerr.CodeInternal, err, "token store: create backup for %s", filepath.Base(path))
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", routeerr.Wrap(routeerr.CodeInternal, err, "token store: copy backup for %s", filepath.Base(path))
	}
	if err = dst.Close(); err != nil {
		return "", routeerr.Wrap(routeerr.CodeInternal, err, "token store: close backup for %s", filepath.Base(path))
	}
	return backupPath, nil
}

// Restore moves a backup back over the target after a failed reset.
func (s *FileStore) Restore(backupPath, target string) error {
	if backupPath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Rename(backupPath, target); err != nil {
		return routeerr.Wrap(routeerr.CodeInternal, err, "token store: restore %s", filepath.Base(target))
	}
	return nil
}

// Discard removes a backup file after a successful reset; best effort.
func (s *FileStore) Discard(backupPath string) {
	if backupPath == "" {
		return
	}
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("token store: failed to discard backup %s: %v", filepath.Base(backupPath), err)
	}
}

// Mtime returns the file's modification time in unix milliseconds, or 0 when
// the file does not exist.
func (s *FileStore) Mtime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixMilli()
}
