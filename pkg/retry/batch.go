package retry

import (
	"context"
	"sync"
)

// Failure records an item that exhausted its attempts.
type Failure[T any] struct {
	Item     T
	Err      error
	Attempts int
}

// BatchResult summarises one pass over a batch.
type BatchResult struct {
	Succeeded int
	Failed    int
}

// BatchHandler pushes many items through Do one after another and remembers
// which ones failed so RetryFailed can re-drive exactly that subset.
type BatchHandler[T any] struct {
	opts Options

	mu       sync.Mutex
	failures []Failure[T]
}

// NewBatchHandler constructs a handler sharing opts across items.
func NewBatchHandler[T any](opts Options) *BatchHandler[T] {
	return &BatchHandler[T]{opts: opts}
}

// Run processes items in order. A failing item never stops the rest.
func (b *BatchHandler[T]) Run(ctx context.Context, items []T, fn func(ctx context.Context, item T) error) BatchResult {
	var result BatchResult
	failed := make([]Failure[T], 0)
	for _, item := range items {
		item := item
		err := Do(ctx, func(ctx context.Context) error { return fn(ctx, item) }, b.opts)
		if err != nil {
			failed = append(failed, Failure[T]{Item: item, Err: err, Attempts: Attempts(err)})
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	b.mu.Lock()
	b.failures = append(b.failures, failed...)
	b.mu.Unlock()
	return result
}

// RetryFailed re-runs only the recorded retryable failures. Terminal failures
// stay recorded untouched; items that fail again keep accumulating attempts.
func (b *BatchHandler[T]) RetryFailed(ctx context.Context, fn func(ctx context.Context, item T) error) BatchResult {
	b.mu.Lock()
	pending := b.failures
	b.failures = nil
	b.mu.Unlock()

	var result BatchResult
	still := make([]Failure[T], 0, len(pending))
	for _, f := range pending {
		f := f
		if !Retryable(f.Err) {
			still = append(still, f)
			result.Failed++
			continue
		}
		err := Do(ctx, func(ctx context.Context) error { return fn(ctx, f.Item) }, b.opts)
		if err != nil {
			still = append(still, Failure[T]{Item: f.Item, Err: err, Attempts: f.Attempts + Attempts(err)})
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	b.mu.Lock()
	b.failures = append(b.failures, still...)
	b.mu.Unlock()
	return result
}

// Failures returns a copy of the recorded failures.
func (b *BatchHandler[T]) Failures() []Failure[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Failure[T], len(b.failures))
	copy(out, b.failures)
	return out
}
