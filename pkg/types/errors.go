package types

import "errors"

// Error taxonomy shared by every engine component. Callers match with errors.Is;
// components wrap these with context using %w.
var (
	// ErrTransientStore is a retryable durable-store failure. Idempotent reads
	// are retried once; writes are never retried silently.
	ErrTransientStore = errors.New("transient store error")

	// ErrStoreUnavailable means the durable store cannot be reached at all.
	// It is the only failure surfaced from search and recommendation.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrEmbeddingUnavailable means the embedding provider failed or timed out.
	// Callers fall back to text-only behaviour and mark records degraded.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrInsufficientData is a normal outcome for evolution and recommendation
	// when there is not enough history to work with.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrEvolutionBusy means the category is already evolving. Requests are
	// rejected, never queued.
	ErrEvolutionBusy = errors.New("category evolution already in progress")

	// ErrEvolutionAborted covers runs that stopped on timeout, cancellation or
	// a store failure before applying anything.
	ErrEvolutionAborted = errors.New("category evolution aborted")

	// ErrCacheUnavailable marks a failing cache tier. It is logged and treated
	// as a miss; it never reaches callers.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrCorruption marks a stored fingerprint or centroid that failed to
	// deserialize. The offending record is skipped.
	ErrCorruption = errors.New("corrupt stored value")
)
