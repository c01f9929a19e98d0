// Package redact scrubs known secret values from text before it is logged or
// persisted.
package redact

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// MaxDetailLen bounds persisted error detail.
const MaxDetailLen = 1024

// minSecretLen keeps trivially short values from shredding unrelated text.
const minSecretLen = 4

// Redactor replaces a set of known secret values. It is safe for concurrent
// use; the vault registers plaintexts as it handles them while other
// goroutines redact. The zero value redacts nothing.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// New returns a Redactor for the given secret values. Empty and very short
// values are ignored. Longer values are replaced first so that a secret
// containing another secret is removed whole.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secret values. Values already known are ignored.
func (r *Redactor) Add(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if len(s) >= minSecretLen && !r.known(s) {
			r.secrets = append(r.secrets, s)
		}
	}
	sort.Slice(r.secrets, func(i, j int) bool {
		return len(r.secrets[i]) > len(r.secrets[j])
	})
}

func (r *Redactor) known(s string) bool {
	for _, existing := range r.secrets {
		if existing == s {
			return true
		}
	}
	return false
}

// String returns s with every known secret replaced by Placeholder.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}

// Detail redacts s and truncates it to MaxDetailLen for storage.
func (r *Redactor) Detail(s string) string {
	return Truncate(r.String(s), MaxDetailLen)
}

// Truncate shortens s to at most maxLen bytes, noting the original size.
// The cut never splits a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
