// Package resilience wraps the external embedding, generation and reranking
// services with per-request timeouts, optional rate limiting and a uniform
// ServiceError. Calls are never retried here; the Retryable flag on the
// returned error tells the caller whether trying again makes sense.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"nutrirag/internal/domain"
)

// DefaultTimeout bounds a single external call.
const DefaultTimeout = 60 * time.Second

// Options configures a wrapper.
type Options struct {
	Timeout       time.Duration
	RatePerSecond float64 // 0 disables rate limiting
	Burst         int
	// BatchSize splits Embed input so each guarded call maps to one API
	// request. 0 takes the inner embedder's BatchSize, if it has one.
	BatchSize int
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Options) limiter() *rate.Limiter {
	if o.RatePerSecond <= 0 {
		return nil
	}
	burst := o.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RatePerSecond), burst)
}

type guard struct {
	service string
	opts    Options
	limiter *rate.Limiter
}

func newGuard(service string, opts Options) guard {
	return guard{service: service, opts: opts, limiter: opts.limiter()}
}

// run applies rate limiting and the timeout to fn and normalizes its error.
func (g guard) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Wrap(g.service, op, err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.timeout())
	defer cancel()
	if err := fn(callCtx); err != nil {
		return Wrap(g.service, op, err)
	}
	return nil
}

// Embedder guards a domain.Embedder. Input is split into batches and every
// batch is a separate guarded call, so the limiter paces API requests and the
// timeout bounds one request rather than a whole ingestion.
type Embedder struct {
	inner     domain.Embedder
	batchSize int
	guard
}

type batchSizer interface {
	BatchSize() int
}

// WrapEmbedder returns inner guarded by opts.
func WrapEmbedder(inner domain.Embedder, opts Options) *Embedder {
	size := opts.BatchSize
	if b, ok := inner.(batchSizer); ok && size <= 0 {
		size = b.BatchSize()
	}
	return &Embedder{inner: inner, batchSize: size, guard: newGuard(inner.Name(), opts)}
}

func (e *Embedder) Name() string { return e.inner.Name() }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	size := e.batchSize
	if size <= 0 || size > len(texts) {
		size = len(texts)
	}
	if size == 0 {
		return e.embedBatch(ctx, texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, Wrap(e.service, "embed", &domain.LengthMismatchError{What: "embeddings vs inputs", Left: len(vecs), Right: end - start})
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var out [][]float32
	err := e.run(ctx, "embed", func(ctx context.Context) error {
		var err error
		out, err = e.inner.Embed(ctx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Generator guards a domain.Generator.
type Generator struct {
	inner domain.Generator
	guard
}

// WrapGenerator returns inner guarded by opts.
func WrapGenerator(inner domain.Generator, opts Options) *Generator {
	return &Generator{inner: inner, guard: newGuard(inner.Name(), opts)}
}

func (g *Generator) Name() string { return g.inner.Name() }

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := g.run(ctx, "generate", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Generate(ctx, prompt)
		return err
	})
	return out, err
}

// Reranker guards a domain.Reranker.
type Reranker struct {
	inner domain.Reranker
	guard
}

// WrapReranker returns inner guarded by opts.
func WrapReranker(inner domain.Reranker, opts Options) *Reranker {
	return &Reranker{inner: inner, guard: newGuard(inner.Name(), opts)}
}

func (r *Reranker) Name() string { return r.inner.Name() }

func (r *Reranker) Score(ctx context.Context, query string, candidates []string) ([]float64, error) {
	var out []float64
	err := r.run(ctx, "score", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Score(ctx, query, candidates)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Wrap converts err into a *domain.ServiceError unless it already is one.
func Wrap(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &domain.ServiceError{Service: service, Op: op, Retryable: IsRetryable(err), Err: err}
}

// FromStatus builds a ServiceError for an HTTP status returned by a service.
func FromStatus(service, op string, status int, err error) error {
	return &domain.ServiceError{Service: service, Op: op, Retryable: RetryableStatus(status), Err: err}
}

// RetryableStatus reports whether an HTTP status is worth retrying.
// Status 0 means the request never got a response.
func RetryableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// IsRetryable determines if an error from a service call is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *domain.ServiceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
