// Package extractive answers from the retrieved context without a language
// model, by picking the context sentences that best match the question.
package extractive

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	"nutrirag/internal/generation"
	"nutrirag/internal/textutil"
)

const defaultMaxSentences = 3

// noContextAnswer is returned when the prompt carries no knowledge block.
const noContextAnswer = "知识库中没有找到相关内容。"

var sentencePattern = regexp.MustCompile(`[^。！？!?\n]+[。！？!?]?`)

// Generator ranks sentences by token frequency and overlap with the question.
type Generator struct {
	maxSentences int
}

// NewGenerator creates an extractive generator returning at most maxSentences
// sentences (3 when maxSentences <= 0).
func NewGenerator(maxSentences int) *Generator {
	if maxSentences <= 0 {
		maxSentences = defaultMaxSentences
	}
	return &Generator{maxSentences: maxSentences}
}

func (g *Generator) Name() string { return "extractive" }

// Generate picks the best sentences of the prompt's knowledge block.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	knowledge, question := generation.ParsePrompt(prompt)
	if strings.TrimSpace(knowledge) == "" {
		return noContextAnswer, nil
	}
	return g.Summarize(knowledge, question), nil
}

// Summarize returns up to maxSentences sentences of text in their original
// order. Sentences sharing tokens with question are weighted up.
func (g *Generator) Summarize(text, question string) string {
	var sentences []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return strings.TrimSpace(text)
	}

	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range textutil.Tokens(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}
	qset := textutil.TokenSet(question)

	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, len(sentences))
	for i, sent := range sentences {
		toks := textutil.Tokens(sent)
		score := 0.0
		for _, tok := range toks {
			score += freq[tok]
			if _, ok := qset[tok]; ok {
				score += 2
			}
		}
		// normalize by length so long sentences do not dominate
		if l := float64(len(toks)); l > 0 {
			score /= math.Sqrt(l)
		}
		scores[i] = pair{i, score}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	n := min(g.maxSentences, len(scores))
	selected := make([]int, n)
	for i := 0; i < n; i++ {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, 0, n)
	for _, idx := range selected {
		out = append(out, sentences[idx])
	}
	return strings.Join(out, "")
}
