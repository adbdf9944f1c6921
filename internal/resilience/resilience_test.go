package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrirag/internal/domain"
)

type slowGenerator struct{ delay time.Duration }

func (s slowGenerator) Name() string { return "slow" }

func (s slowGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	select {
	case <-time.After(s.delay):
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type failingEmbedder struct{ err error }

func (f failingEmbedder) Name() string { return "failing" }

func (f failingEmbedder) Embed(context.Context, []string) ([][]float32, error) { return nil, f.err }

func TestWrapGenerator_TimeoutBecomesServiceError(t *testing.T) {
	g := WrapGenerator(slowGenerator{delay: time.Second}, Options{Timeout: 20 * time.Millisecond})
	_, err := g.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var se *domain.ServiceError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable)
	assert.Equal(t, "slow", se.Service)
	assert.Equal(t, "generate", se.Op)
}

func TestWrapEmbedder_KeepsExistingServiceError(t *testing.T) {
	inner := &domain.ServiceError{Service: "openai", Op: "embed", Retryable: false, Err: errors.New("401")}
	e := WrapEmbedder(failingEmbedder{err: inner}, Options{})
	_, err := e.Embed(context.Background(), []string{"x"})
	assert.Same(t, inner, err)
}

func TestWrapEmbedder_PlainErrorIsNotRetryable(t *testing.T) {
	e := WrapEmbedder(failingEmbedder{err: errors.New("bad input")}, Options{})
	_, err := e.Embed(context.Background(), []string{"x"})
	var se *domain.ServiceError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable)
}

func TestRateLimitHonorsCancellation(t *testing.T) {
	g := WrapGenerator(slowGenerator{}, Options{RatePerSecond: 0.001, Burst: 1})
	_, err := g.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, "second")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

type recordingEmbedder struct {
	delay time.Duration
	calls [][]string
	at    []time.Time
}

func (r *recordingEmbedder) Name() string { return "recording" }

func (r *recordingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	r.calls = append(r.calls, texts)
	r.at = append(r.at, time.Now())
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(r.calls)), float32(i)}
	}
	return out, nil
}

func TestWrapEmbedder_TimeoutBoundsEachBatch(t *testing.T) {
	inner := &recordingEmbedder{delay: 20 * time.Millisecond}
	e := WrapEmbedder(inner, Options{Timeout: 100 * time.Millisecond, BatchSize: 1})

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 20)
	assert.Len(t, inner.calls, 20)
	assert.Equal(t, float32(20), vecs[19][0])
}

func TestWrapEmbedder_RateLimitSpacesBatches(t *testing.T) {
	inner := &recordingEmbedder{}
	e := WrapEmbedder(inner, Options{RatePerSecond: 20, Burst: 1, BatchSize: 2})

	start := time.Now()
	_, err := e.Embed(context.Background(), []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"})
	require.NoError(t, err)
	require.Len(t, inner.calls, 5)
	assert.Equal(t, []string{"i"}, inner.calls[4])
	// four waits of 50ms after the first token
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
	for i := 1; i < len(inner.at); i++ {
		assert.GreaterOrEqual(t, inner.at[i].Sub(inner.at[i-1]), 40*time.Millisecond)
	}
}

type sizedEmbedder struct{ recordingEmbedder }

func (s *sizedEmbedder) BatchSize() int { return 3 }

func TestWrapEmbedder_UsesInnerBatchSize(t *testing.T) {
	inner := &sizedEmbedder{}
	e := WrapEmbedder(inner, Options{})
	_, err := e.Embed(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}}, inner.calls)
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, RetryableStatus(0))
	assert.True(t, RetryableStatus(429))
	assert.True(t, RetryableStatus(503))
	assert.False(t, RetryableStatus(400))
	assert.False(t, RetryableStatus(401))
}
