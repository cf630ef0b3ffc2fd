// Package store persists per-account OAuth credentials on disk. Records are
// stored as JSON documents, written atomically with mode 0600, and normalized
// on read so legacy key variants from older releases keep working.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AliasStatic is the reserved alias for credentials that must never be
// auto-refreshed.
const AliasStatic = "static"

// Descriptor identifies one credential file by provider, alias and sequence.
type Descriptor struct {
	// Provider is the provider family key (qwen, iflow, gemini-cli, ...).
	Provider string

	// Alias is a short human label; "static" disables auto-refresh.
	Alias string

	// Sequence disambiguates multiple credentials with the same alias.
	Sequence int
}

// NewDescriptor fills alias and sequence defaults.
func NewDescriptor(provider, alias string, sequence int) Descriptor {
	if alias == "" {
		alias = "default"
	}
	if sequence <= 0 {
		sequence = 1
	}
	return Descriptor{Provider: provider, Alias: alias, Sequence: sequence}
}

// Static reports whether this credential is locked against auto-refresh.
func (d Descriptor) Static() bool { return d.Alias == AliasStatic }

// FilePath derives the absolute token file path under authDir. A handful of
// providers keep legacy default locations for their first credential.
func (d Descriptor) FilePath(authDir string) string {
	if d.Alias == "default" && d.Sequence == 1 {
		switch d.Provider {
		case "iflow":
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, ".iflow", "oauth_creds.json")
			}
		case "qwen":
			return filepath.Join(authDir, "qwen-oauth.json")
		case "gemini-cli":
			return filepath.Join(authDir, "gemini-oauth.json")
		case "antigravity":
			return filepath.Join(authDir, "antigravity-oauth.json")
		}
	}
	return filepath.Join(authDir, fmt.Sprintf("%s-oauth-%d-%s.json", d.Provider, d.Sequence, d.Alias))
}

// String renders the descriptor for logging.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s#%d", d.Provider, d.Alias, d.Sequence)
}

// ParseFilename recovers a descriptor from a token file name produced by
// FilePath. The legacy default names map back to alias "default" sequence 1.
func ParseFilename(name string) (Descriptor, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".json")
	switch base {
	case "qwen-oauth":
		return NewDescriptor("qwen", "default", 1), true
	case "gemini-oauth":
		return NewDescriptor("gemini-cli", "default", 1), true
	case "antigravity-oauth":
		return NewDescriptor("antigravity", "default", 1), true
	case "oauth_creds":
		return NewDescriptor("iflow", "default", 1), true
	}
	idx := strings.Index(base, "-oauth-")
	if idx <= 0 {
		return Descriptor{}, false
	}
	provider := base[:idx]
	rest := base[idx+len("-oauth-"):]
	sep := strings.Index(rest, "-")
	if sep <= 0 || sep == len(rest)-1 {
		return Descriptor{}, false
	}
	seq, err := strconv.Atoi(rest[:sep])
	if err != nil || seq <= 0 {
		return Descriptor{}, false
	}
	return Descriptor{Provider: provider, Alias: rest[sep+1:], Sequence: seq}, true
}
