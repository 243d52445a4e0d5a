package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/scrypster/recall/internal/textnorm"
)

// ScopeAll is the key scope used when no tier label is given.
const ScopeAll = "all"

// KeyInput describes what a cached result set depends on.
type KeyInput struct {
	// Query is the raw query text; it is normalized before hashing.
	Query string

	// Context holds recent conversation turns for context-sensitive results.
	// Only the last N turns (per KeyBuilder) contribute.
	Context []string

	// Scope is the tier label. Keys are prefixed with it so a whole tier can
	// be invalidated at once. Empty means ScopeAll.
	Scope string

	// Qualifiers are extra filter values (category, limit) that change the
	// result set without changing the scope.
	Qualifiers []string
}

// KeyBuilder derives stable cache keys of the form "<scope>:<hex digest>".
type KeyBuilder struct {
	opts         textnorm.Options
	contextTurns int
}

// NewKeyBuilder returns a builder. contextTurns bounds how many trailing
// conversation turns feed the context fingerprint.
func NewKeyBuilder(stripDiacritics bool, contextTurns int) *KeyBuilder {
	if contextTurns < 0 {
		contextTurns = 0
	}
	return &KeyBuilder{
		opts:         textnorm.Options{StripDiacritics: stripDiacritics},
		contextTurns: contextTurns,
	}
}

// NormalizeQuery applies the key normalization to a query string.
func (b *KeyBuilder) NormalizeQuery(q string) string {
	return textnorm.Normalize(q, b.opts)
}

// ContextFingerprint hashes the last N normalized turns. It returns "" when
// there is no context or context is disabled.
func (b *KeyBuilder) ContextFingerprint(turns []string) string {
	if b.contextTurns == 0 || len(turns) == 0 {
		return ""
	}
	if len(turns) > b.contextTurns {
		turns = turns[len(turns)-b.contextTurns:]
	}

	h := sha256.New()
	for _, turn := range turns {
		h.Write([]byte(b.NormalizeQuery(turn)))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Key derives the cache key for in.
func (b *KeyBuilder) Key(in KeyInput) string {
	scope := strings.TrimSpace(in.Scope)
	if scope == "" {
		scope = ScopeAll
	}

	h := sha256.New()
	h.Write([]byte(b.NormalizeQuery(in.Query)))
	h.Write([]byte{0x1f})
	h.Write([]byte(b.ContextFingerprint(in.Context)))
	for _, q := range in.Qualifiers {
		h.Write([]byte{0x1f})
		h.Write([]byte(q))
	}
	return scope + ":" + hex.EncodeToString(h.Sum(nil))
}

// ScopePrefix returns the key prefix shared by every key of scope.
func ScopePrefix(scope string) string {
	return scope + ":"
}
