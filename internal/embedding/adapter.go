// Package embedding wraps the engine's embed call with batching, retries,
// and a model-version tag for staleness detection.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/askdoc/askdoc/internal/engine"
	"github.com/askdoc/askdoc/internal/faults"
)

const (
	defaultMaxBatch    = 32
	defaultMaxAttempts = 4
	defaultBackoff     = 250 * time.Millisecond
	defaultCallTimeout = 30 * time.Second

	// batchParallelism bounds concurrent embed calls so a large document
	// doesn't overwhelm the engine.
	batchParallelism = 4
)

// Options tunes the adapter. Zero values take the defaults above.
type Options struct {
	MaxBatch    int
	MaxAttempts int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// Adapter batches embed calls against an Engine and retries transient
// failures with exponential backoff. All vectors from one Adapter share the
// same model-version tag.
type Adapter struct {
	engine      engine.Engine
	model       string
	maxBatch    int
	maxAttempts int
	backoff     time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
}

// New creates an Adapter embedding with the given model.
func New(e engine.Engine, model string, opts Options) *Adapter {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Adapter{
		engine:      e,
		model:       model,
		maxBatch:    opts.MaxBatch,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		callTimeout: opts.CallTimeout,
		logger:      slog.Default(),
	}
}

// ModelVersion is the tag recorded on every vector this adapter produces.
// Entries carrying a different tag are stale with respect to a model upgrade.
func (a *Adapter) ModelVersion() string {
	return a.model
}

// EmbedQuery returns the vector for a single query text.
func (a *Adapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := a.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts returns one vector per text, in input order. Texts are split
// into batches of at most MaxBatch; batches run concurrently (bounded).
// A batch whose retries are exhausted fails the whole call: the result is
// never silently partial.
func (a *Adapter) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(batchParallelism)

	for start := 0; start < len(texts); start += a.maxBatch {
		end := min(start+a.maxBatch, len(texts))
		start, end := start, end
		g.Go(func() error {
			vecs, err := a.embedBatch(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedBatch embeds one batch, retrying transient failures with exponential
// backoff until the attempt budget runs out.
func (a *Adapter) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.backoff << (attempt - 1)
			a.logger.Debug("retrying embed batch", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, faults.Transient(ctx.Err())
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		vecs, err := a.engine.Embed(callCtx, a.model, batch)
		cancel()
		if err == nil {
			return vecs, nil
		}
		if !faults.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, faults.Exhausted(lastErr)
}
