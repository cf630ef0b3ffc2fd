package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTripIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qwen-oauth-1-work.json")
	s := NewFileStore()

	record := &Record{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Scope:        "openid",
		Extra:        map[string]any{"resource_url": "portal.qwen.ai"},
	}
	require.NoError(t, s.Write(path, record))

	first, err := s.Read(path)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, s.Write(path, first))
	second, err := s.Read(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "at-1", second.AccessToken)
	assert.Equal(t, record.ExpiresAt, second.ExpiresAt)
	assert.Equal(t, "portal.qwen.ai", second.Extra["resource_url"])
}

func TestReadMissingFile(t *testing.T) {
	s := NewFileStore()
	record, err := s.Read(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestLegacyKeyVariants(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore()

	cases := []struct {
		name string
		doc  map[string]any
	}{
		{"capitalized", map[string]any{"AccessToken": "legacy", "RefreshToken": "r", "expired": "2031-01-02T15:04:05Z"}},
		{"apiKey alias", map[string]any{"access_token": "legacy", "apiKey": "derived"}},
		{"expiry seconds", map[string]any{"access_token": "legacy", "expiry_timestamp": float64(1_900_000_000)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".json")
			raw, err := json.Marshal(tc.doc)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, raw, 0o600))

			record, err := s.Read(path)
			require.NoError(t, err)
			assert.Equal(t, "legacy", record.AccessToken)
		})
	}

	path := filepath.Join(dir, "seconds.json")
	raw, _ := json.Marshal(map[string]any{"access_token": "x", "expiry_timestamp": float64(1_900_000_000)})
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	record, err := s.Read(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1_900_000_000)*1000, record.ExpiresAt)
}

func TestGeminiNestedTokenFlattened(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gemini-oauth.json")
	doc := map[string]any{
		"token": map[string]any{
			"access_token":  "nested-at",
			"refresh_token": "nested-rt",
			"expiry_date":   "2031-01-02T15:04:05Z",
		},
		"project_id":       "proj-123",
		"disabled":         false,
		"protected_models": []string{"gemini-pro"},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	s := NewFileStore()
	record, err := s.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "nested-at", record.AccessToken)
	assert.Equal(t, "nested-rt", record.RefreshToken)
	assert.Equal(t, "proj-123", record.ProjectID)
	assert.Contains(t, record.Extra, "disabled")
	assert.Contains(t, record.Extra, "protected_models")
	assert.NotZero(t, record.ExpiresAt)
}

func TestNoRefreshVariants(t *testing.T) {
	for _, doc := range []map[string]any{
		{"access_token": "x", "norefresh": true},
		{"access_token": "x", "noRefresh": true},
		{"access_token": "x", "norefresh": "1"},
		{"access_token": "x", "noRefresh": "true"},
	} {
		assert.True(t, decodeRecord(doc).NoRefresh)
	}
	assert.False(t, decodeRecord(map[string]any{"access_token": "x"}).NoRefresh)
}

func TestExpiryBoundary(t *testing.T) {
	now := time.Now()
	record := &Record{AccessToken: "x", ExpiresAt: now.UnixMilli() + ExpirySkewMS}

	state := record.StateAt(now)
	assert.True(t, state.IsExpiredOrNear, "exactly 60s out counts as near expiry")
	assert.Equal(t, "expiring", state.Status)

	record.ExpiresAt = now.UnixMilli() + ExpirySkewMS + 1
	state = record.StateAt(now)
	assert.False(t, state.IsExpiredOrNear)
	assert.Equal(t, "valid", state.Status)

	record.ExpiresAt = now.UnixMilli() - 1
	state = record.StateAt(now)
	assert.Equal(t, "expired", state.Status)

	record.AccessToken = ""
	assert.Equal(t, "invalid", record.StateAt(now).Status)
}

func TestBackupRestoreDiscard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iflow-oauth-1-work.json")
	s := NewFileStore()
	require.NoError(t, s.Write(path, &Record{AccessToken: "original"}))

	backupPath, err := s.Backup(path)
	require.NoError(t, err)
	require.NotEmpty(t, backupPath)

	// Simulate a failed reset clobbering the primary.
	require.NoError(t, s.Write(path, &Record{AccessToken: "broken"}))
	require.NoError(t, s.Restore(backupPath, path))

	record, err := s.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "original", record.AccessToken)

	backupPath, err = s.Backup(path)
	require.NoError(t, err)
	s.Discard(backupPath)
	_, statErr := os.Stat(backupPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDescriptorPaths(t *testing.T) {
	authDir := "/tmp/auth"
	assert.Equal(t, "/tmp/auth/glm-oauth-2-work.json", NewDescriptor("glm", "work", 2).FilePath(authDir))
	assert.Equal(t, "/tmp/auth/qwen-oauth.json", NewDescriptor("qwen", "", 0).FilePath(authDir))
	assert.Equal(t, "/tmp/auth/gemini-oauth.json", NewDescriptor("gemini-cli", "default", 1).FilePath(authDir))
	assert.Equal(t, "/tmp/auth/antigravity-oauth.json", NewDescriptor("antigravity", "default", 1).FilePath(authDir))
	assert.True(t, NewDescriptor("qwen", "static", 1).Static())
}

func TestMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.json")
	s := NewFileStore()
	assert.Zero(t, s.Mtime(path))
	require.NoError(t, s.Write(path, &Record{AccessToken: "x"}))
	assert.NotZero(t, s.Mtime(path))
}

func TestParseFilename(t *testing.T) {
	desc, ok := ParseFilename("qwen-oauth-2-work.json")
	require.True(t, ok)
	assert.Equal(t, Descriptor{Provider: "qwen", Alias: "work", Sequence: 2}, desc)

	desc, ok = ParseFilename("gemini-cli-oauth-3-personal.json")
	require.True(t, ok)
	assert.Equal(t, Descriptor{Provider: "gemini-cli", Alias: "personal", Sequence: 3}, desc)

	desc, ok = ParseFilename("qwen-oauth.json")
	require.True(t, ok)
	assert.Equal(t, NewDescriptor("qwen", "default", 1), desc)

	desc, ok = ParseFilename("gemini-oauth.json")
	require.True(t, ok)
	assert.Equal(t, "gemini-cli", desc.Provider)

	_, ok = ParseFilename("config.json")
	assert.False(t, ok)

	_, ok = ParseFilename("qwen-oauth-x-work.json")
	assert.False(t, ok)
}
