// Package embed wraps an llm.Provider's embedding call with the lifecycle,
// batching, and backpressure behavior the rest of the ingestion pipeline
// depends on: explicit load/unload, an adaptive batch size that steps down
// on resource exhaustion, and a single-flight queue so only one batch is in
// flight against the backend embedder at a time.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brunobiangulo/ragcore/llm"
)

// batchSteps is the adaptive batch-size ladder. The controller starts at the
// largest step and steps down one rung each time the provider reports an
// OOM/resource-exhausted failure, and steps back up after a run of clean
// successes.
var batchSteps = []int{16, 12, 8, 4}

const (
	defaultIdleTimeout  = 300 * time.Second
	maxOOMRetries       = 3
	stepUpAfterSuccess  = 100
)

// Embedder manages a provider's embedding lifecycle: load-on-demand,
// idle-unload, adaptive batching, and a FIFO single-flight queue so batches
// never race each other against the same backend.
type Embedder struct {
	provider llm.Provider

	mu          sync.Mutex
	loaded      bool
	lastUsed    time.Time
	idleTimeout time.Duration
	stepIdx     int
	successRun  int

	queue chan struct{} // single-flight token

	stopIdle chan struct{}
}

// New creates an Embedder around the given provider. idleTimeout of zero
// uses the default (300s).
func New(provider llm.Provider, idleTimeout time.Duration) *Embedder {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	e := &Embedder{
		provider:    provider,
		idleTimeout: idleTimeout,
		queue:       make(chan struct{}, 1),
		stopIdle:    make(chan struct{}),
	}
	e.queue <- struct{}{}
	go e.idleWatcher()
	return e
}

// Load marks the embedder as active. It is idempotent; callers don't need
// to call it explicitly since EmbedBatch loads on demand, so the first
// batch pays the load latency inline.
func (e *Embedder) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		e.lastUsed = time.Now()
		return nil
	}
	if err := e.provider.HealthCheck(ctx); err != nil {
		return fmt.Errorf("embed: provider unreachable: %w", err)
	}
	e.loaded = true
	e.lastUsed = time.Now()
	slog.Debug("embed: provider loaded")
	return nil
}

// Unload releases the provider. Safe to call even if it was never loaded.
func (e *Embedder) Unload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		slog.Debug("embed: provider unloaded after idle timeout")
	}
	e.loaded = false
}

// Close stops the idle watcher goroutine.
func (e *Embedder) Close() {
	close(e.stopIdle)
}

func (e *Embedder) idleWatcher() {
	ticker := time.NewTicker(e.idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopIdle:
			return
		case <-ticker.C:
			e.mu.Lock()
			idle := e.loaded && time.Since(e.lastUsed) >= e.idleTimeout
			e.mu.Unlock()
			if idle {
				e.Unload()
			}
		}
	}
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeQuery embeds a query string. Kept distinct from EmbedOne so callers
// document intent at the call site even though today both paths share the
// same embedding model.
func (e *Embedder) EncodeQuery(ctx context.Context, query string) ([]float32, error) {
	return e.EmbedOne(ctx, query)
}

// EmbedBatch embeds a batch of texts, internally splitting into sub-batches
// sized by the current adaptive batch-size rung and stepping that rung down
// when the provider reports resource exhaustion. It acquires the embedder's
// single-flight token for the duration of the call so concurrent callers
// queue rather than race the same backend.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	select {
	case <-e.queue:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.queue <- struct{}{} }()

	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); {
		batchSize := e.currentBatchSize()
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		sub := texts[start:end]

		vecs, err := e.embedWithRetry(ctx, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
		start = end
	}
	return out, nil
}

// embedWithRetry embeds a single sub-batch, stepping the batch-size rung
// down and retrying (up to maxOOMRetries times) whenever the provider call
// fails in a way that looks like resource exhaustion. Runs of success step
// the rung back up.
func (e *Embedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	attempt := 0
	for {
		vecs, err := e.provider.Embed(ctx, texts)
		if err == nil {
			e.recordSuccess()
			return vecs, nil
		}

		attempt++
		if !looksLikeResourceExhausted(err) || attempt > maxOOMRetries {
			return nil, fmt.Errorf("embed: batch of %d: %w", len(texts), err)
		}

		e.stepDown()
		newSize := e.currentBatchSize()
		if newSize < len(texts) {
			slog.Warn("embed: stepping down batch size after resource exhaustion",
				"attempt", attempt, "old_size", len(texts), "new_size", newSize)
			half := texts[:newSize]
			rest := texts[newSize:]
			first, ferr := e.embedWithRetry(ctx, half)
			if ferr != nil {
				return nil, ferr
			}
			restVecs, rerr := e.embedWithRetry(ctx, rest)
			if rerr != nil {
				return nil, rerr
			}
			return append(first, restVecs...), nil
		}
		// Already at the smallest rung; retry as-is.
	}
}

func (e *Embedder) currentBatchSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return batchSteps[e.stepIdx]
}

func (e *Embedder) stepDown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stepIdx < len(batchSteps)-1 {
		e.stepIdx++
	}
	e.successRun = 0
}

func (e *Embedder) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stepIdx == 0 {
		return
	}
	e.successRun++
	if e.successRun >= stepUpAfterSuccess {
		e.stepIdx--
		e.successRun = 0
	}
}

// looksLikeResourceExhausted classifies provider errors that the adaptive
// batch controller should react to by stepping down. Providers surface OOM
// as a plain error string rather than a typed sentinel, so this matches on
// the vocabulary the backend actually returns.
func looksLikeResourceExhausted(err error) bool {
	msg := err.Error()
	for _, needle := range []string{"out of memory", "oom", "resource exhausted", "429", "too many requests"} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 {
		return true
	}
	for i := 0; i+subl <= sl; i++ {
		if equalFold(s[i:i+subl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
