// Package fingerprint derives compact MinHash signatures from text so that
// near-duplicate content can be detected without comparing full bodies.
//
// Text is normalized, split into overlapping character n-grams (shingles),
// and each of the signature's components keeps the minimum of an
// independent 64-bit hash over the shingle set. The fraction of components
// on which two signatures agree is an unbiased estimate of the Jaccard
// similarity of their shingle sets.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/scrypster/recall/internal/textnorm"
	"github.com/scrypster/recall/pkg/types"
)

// ErrDegenerate is returned when normalized text is too short to yield a
// single shingle. Such records are stored without a fingerprint.
var ErrDegenerate = errors.New("fingerprint: text too short to fingerprint")

// Config controls normalization, shingle width and signature size.
type Config struct {
	// NGram is the character shingle width (default: 3).
	NGram int

	// Components is the signature length (default: 128).
	Components int

	// StripPunctuation removes punctuation and symbols before shingling (default: true).
	StripPunctuation bool

	// StripDiacritics folds accented characters to their base form (default: true).
	StripDiacritics bool

	// Seed derives the per-component hash seeds. Changing it invalidates every
	// stored signature.
	Seed uint64
}

// DefaultConfig returns the standard 3-gram, 128-component configuration.
func DefaultConfig() Config {
	return Config{
		NGram:            3,
		Components:       128,
		StripPunctuation: true,
		StripDiacritics:  true,
		Seed:             0x5ca1ab1e,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NGram < 1 {
		return fmt.Errorf("NGram must be >= 1, got %d", c.NGram)
	}
	if c.Components < 1 {
		return fmt.Errorf("Components must be >= 1, got %d", c.Components)
	}
	return nil
}

// Engine computes signatures. It is immutable after construction and safe
// for concurrent use.
type Engine struct {
	cfg   Config
	seeds []uint64
}

// New creates an Engine for cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fingerprint: invalid config: %w", err)
	}

	seeds := make([]uint64, cfg.Components)
	state := cfg.Seed
	for i := range seeds {
		state += 0x9e3779b97f4a7c15
		seeds[i] = mix64(state)
	}

	return &Engine{cfg: cfg, seeds: seeds}, nil
}

// Components returns the configured signature length.
func (e *Engine) Components() int {
	return e.cfg.Components
}

// Normalize applies the engine's text normalization.
func (e *Engine) Normalize(text string) string {
	return textnorm.Normalize(text, textnorm.Options{
		StripPunctuation: e.cfg.StripPunctuation,
		StripDiacritics:  e.cfg.StripDiacritics,
	})
}

// ContentHash returns the hex SHA-256 of the normalized text. Equal hashes
// mean an exact duplicate.
func (e *Engine) ContentHash(text string) string {
	sum := sha256.Sum256([]byte(e.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Shingles returns the set of hashed character n-grams of the normalized text.
func (e *Engine) Shingles(text string) map[uint64]struct{} {
	runes := []rune(e.Normalize(text))
	n := e.cfg.NGram
	if len(runes) < n {
		return nil
	}

	set := make(map[uint64]struct{}, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(string(runes[i : i+n])))
		set[h.Sum64()] = struct{}{}
	}
	return set
}

// Fingerprint returns the MinHash signature of text, or ErrDegenerate when
// the normalized text is shorter than one shingle.
func (e *Engine) Fingerprint(text string) (types.Signature, error) {
	shingles := e.Shingles(text)
	if len(shingles) == 0 {
		return nil, ErrDegenerate
	}

	sig := make(types.Signature, e.cfg.Components)
	for i := range sig {
		sig[i] = math.MaxUint64
	}
	for sh := range shingles {
		for i, seed := range e.seeds {
			if v := mix64(sh ^ seed); v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig, nil
}

// Similarity returns the fraction of components on which a and b agree, in
// [0, 1]. Signatures of different length, or empty ones, compare as 0.
func Similarity(a, b types.Signature) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	agree := 0
	for i := range a {
		if a[i] == b[i] {
			agree++
		}
	}
	return float64(agree) / float64(len(a))
}

// Union combines two signatures by component-wise minimum, which is exactly
// the signature of the union of the two shingle sets. When lengths differ the
// non-empty input is returned unchanged (copied).
func Union(a, b types.Signature) types.Signature {
	switch {
	case len(a) == 0:
		return append(types.Signature(nil), b...)
	case len(b) == 0 || len(a) != len(b):
		return append(types.Signature(nil), a...)
	}

	out := make(types.Signature, len(a))
	for i := range a {
		out[i] = min(a[i], b[i])
	}
	return out
}

// Encode serializes sig as little-endian 64-bit components.
func Encode(sig types.Signature) []byte {
	if len(sig) == 0 {
		return nil
	}
	buf := make([]byte, 8*len(sig))
	for i, v := range sig {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// Decode parses a blob written by Encode. components is the expected
// signature length; pass 0 to accept any length. Malformed blobs return an
// error wrapping types.ErrCorruption.
func Decode(buf []byte, components int) (types.Signature, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("fingerprint: blob length %d is not a multiple of 8: %w", len(buf), types.ErrCorruption)
	}
	n := len(buf) / 8
	if components > 0 && n != components {
		return nil, fmt.Errorf("fingerprint: expected %d components, got %d: %w", components, n, types.ErrCorruption)
	}

	sig := make(types.Signature, n)
	for i := range sig {
		sig[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return sig, nil
}

// mix64 is the splitmix64 finalizer, used as a cheap family of independent
// hash permutations.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
