package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutrirag/internal/domain"
	"nutrirag/internal/embedding/local"
	"nutrirag/internal/generation"
	"nutrirag/internal/rerank/lexical"
	"nutrirag/internal/vectorstore/fileindex"
)

type recordingGenerator struct {
	reply   string
	err     error
	prompts []string
}

func (g *recordingGenerator) Name() string { return "recording" }

func (g *recordingGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

type brokenEmbedder struct{}

func (brokenEmbedder) Name() string { return "broken" }

func (brokenEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, &domain.ServiceError{Service: "broken", Op: "embed", Retryable: true, Err: errors.New("503")}
}

var guidelineChunks = []string{"膳食指南建议每日蔬菜摄入300-500克", "蛋白质应占总能量10%-15%"}

func newIndex(t *testing.T, emb domain.Embedder) *fileindex.Index {
	t.Helper()
	ctx := context.Background()
	idx := fileindex.New(t.TempDir(), nil)
	vecs, err := emb.Embed(ctx, guidelineChunks)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, vecs, guidelineChunks, []domain.Metadata{{Page: 1}, {Page: 2}}))
	return idx
}

func TestQuery_EndToEnd(t *testing.T) {
	emb := local.NewEmbedder(0)
	gen := &recordingGenerator{reply: "每日蔬菜摄入300-500克。"}
	eng := NewEngine(emb, newIndex(t, emb), gen, WithReranker(lexical.New()))

	ans, err := eng.Query(context.Background(), "蔬菜摄入量是多少", 1, 2)
	require.NoError(t, err)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, guidelineChunks[0], ans.Sources[0].Chunk.Text)
	assert.Equal(t, 1, ans.Sources[0].Chunk.Page)
	require.NotNil(t, ans.Sources[0].RerankScore)
	assert.Greater(t, ans.Sources[0].CoarseSimilarity, 0.0)
	assert.False(t, ans.Degraded)
	assert.Equal(t, "每日蔬菜摄入300-500克。", ans.Text)

	require.Len(t, gen.prompts, 1)
	knowledge, question := generation.ParsePrompt(gen.prompts[0])
	assert.Equal(t, guidelineChunks[0], knowledge)
	assert.Equal(t, "蔬菜摄入量是多少", question)
}

func TestQuery_WithoutRerankerKeepsCoarseOrder(t *testing.T) {
	emb := local.NewEmbedder(0)
	gen := &recordingGenerator{reply: "ok"}
	eng := NewEngine(emb, newIndex(t, emb), gen)

	ans, err := eng.Query(context.Background(), "蛋白质应占多少能量", 1, 2)
	require.NoError(t, err)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, guidelineChunks[1], ans.Sources[0].Chunk.Text)
	assert.Nil(t, ans.Sources[0].RerankScore)
}

func TestQuery_GenerationFailureDegrades(t *testing.T) {
	emb := local.NewEmbedder(0)
	gen := &recordingGenerator{err: errors.New("quota exceeded")}
	eng := NewEngine(emb, newIndex(t, emb), gen, WithReranker(lexical.New()))

	ans, err := eng.Query(context.Background(), "蔬菜摄入量是多少", 1, 2)
	require.NoError(t, err)
	assert.True(t, ans.Degraded)
	assert.Equal(t, DegradedPrefix+"quota exceeded", ans.Text)
	assert.Len(t, ans.Sources, 1)
}

func TestQuery_EmptyIndexUsesBareQuestion(t *testing.T) {
	gen := &recordingGenerator{reply: "不知道"}
	eng := NewEngine(local.NewEmbedder(0), fileindex.New(t.TempDir(), nil), gen, WithReranker(lexical.New()))

	ans, err := eng.Query(context.Background(), "蔬菜摄入量是多少", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, ans.Sources)
	assert.Equal(t, []string{"蔬菜摄入量是多少"}, gen.prompts)
}

func TestQuery_Validation(t *testing.T) {
	emb := local.NewEmbedder(0)
	eng := NewEngine(emb, newIndex(t, emb), &recordingGenerator{})

	_, err := eng.Query(context.Background(), "q", 5, 3)
	assert.ErrorIs(t, err, domain.ErrConfig)
	_, err = eng.Query(context.Background(), "  ", 1, 3)
	assert.ErrorIs(t, err, domain.ErrConfig)
	_, err = eng.Query(context.Background(), "q", 0, 3)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestQuery_EmbeddingFailureIsReturned(t *testing.T) {
	emb := local.NewEmbedder(0)
	gen := &recordingGenerator{}
	eng := NewEngine(brokenEmbedder{}, newIndex(t, emb), gen)

	_, err := eng.Query(context.Background(), "q", 1, 2)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Empty(t, gen.prompts)
}

func TestQuery_ThresholdFiltersSources(t *testing.T) {
	emb := local.NewEmbedder(0)
	gen := &recordingGenerator{reply: "ok"}
	eng := NewEngine(emb, newIndex(t, emb), gen, WithReranker(lexical.New()), WithThreshold(0.99))

	ans, err := eng.Query(context.Background(), "蔬菜摄入量是多少", 2, 2)
	require.NoError(t, err)
	assert.Empty(t, ans.Sources)
	assert.Equal(t, []string{"蔬菜摄入量是多少"}, gen.prompts)
}

// queryEmbedder maps each text to a one-hot vector by its position in texts.
type queryEmbedder struct {
	texts []string
	calls [][]string
}

func (q *queryEmbedder) Name() string { return "query" }

func (q *queryEmbedder) Embed(_ context.Context, in []string) ([][]float32, error) {
	q.calls = append(q.calls, in)
	out := make([][]float32, len(in))
	for i, t := range in {
		v := make([]float32, len(q.texts))
		for j, known := range q.texts {
			if known == t {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

// hitsSearcher answers the one-hot query vector i with hits[i].
type hitsSearcher struct {
	hits [][]domain.RetrievalResult
	ks   []int
}

func (h *hitsSearcher) Search(_ context.Context, vec []float32, topK int) ([]domain.RetrievalResult, error) {
	h.ks = append(h.ks, topK)
	for i, x := range vec {
		if x == 1 {
			return h.hits[i], nil
		}
	}
	return nil, nil
}

func hit(id int, text string, sim float64) domain.RetrievalResult {
	return domain.RetrievalResult{Chunk: domain.Chunk{ID: id, Text: text}, CoarseSimilarity: sim}
}

func TestRetrieveMulti_MergesByChunkKeepingBestSimilarity(t *testing.T) {
	emb := &queryEmbedder{texts: []string{"每天喝多少水", "每日饮水量建议"}}
	search := &hitsSearcher{hits: [][]domain.RetrievalResult{
		{hit(0, "饮水1500毫升", 0.9), hit(1, "少量多次", 0.5)},
		{hit(1, "少量多次", 0.8), hit(2, "不喝含糖饮料", 0.7)},
	}}
	eng := NewEngine(emb, search, &recordingGenerator{})

	res, err := eng.RetrieveMulti(context.Background(), "每天喝多少水", []string{"每天喝多少水", " ", "每日饮水量建议"}, 3, 2)
	require.NoError(t, err)
	require.Len(t, emb.calls, 1)
	assert.Equal(t, []string{"每天喝多少水", "每日饮水量建议"}, emb.calls[0])
	assert.Equal(t, []int{2, 2}, search.ks)

	require.Len(t, res, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{res[0].Chunk.ID, res[1].Chunk.ID, res[2].Chunk.ID})
	assert.InDelta(t, 0.8, res[1].CoarseSimilarity, 1e-9)
	assert.Nil(t, res[0].RerankScore)
}

func TestQueryMulti_RerankUnionAgainstQuestion(t *testing.T) {
	emb := &queryEmbedder{texts: []string{"蛋白质应占多少能量", "蔬菜吃多少"}}
	search := &hitsSearcher{hits: [][]domain.RetrievalResult{
		{hit(1, guidelineChunks[1], 0.4)},
		{hit(0, guidelineChunks[0], 0.9)},
	}}
	gen := &recordingGenerator{reply: "10%-15%"}
	eng := NewEngine(emb, search, gen, WithReranker(lexical.New()))

	ans, err := eng.QueryMulti(context.Background(), "蛋白质应占多少能量", []string{"蔬菜吃多少"}, 1, 1)
	require.NoError(t, err)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, guidelineChunks[1], ans.Sources[0].Chunk.Text)
	require.NotNil(t, ans.Sources[0].RerankScore)
	assert.InDelta(t, 0.4, ans.Sources[0].CoarseSimilarity, 1e-9)

	require.Len(t, gen.prompts, 1)
	_, question := generation.ParsePrompt(gen.prompts[0])
	assert.Equal(t, "蛋白质应占多少能量", question)
}

func TestRetrieveMulti_Validation(t *testing.T) {
	eng := NewEngine(&queryEmbedder{}, &hitsSearcher{}, &recordingGenerator{})
	_, err := eng.RetrieveMulti(context.Background(), "q", nil, 3, 2)
	assert.ErrorIs(t, err, domain.ErrConfig)
}
