// Package textutil holds the tokenizer shared by the local embedder and the
// lexical reranker. Latin and digit runs become lowercase words, runs of Han
// characters become overlapping bigrams.
package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	wordRe = regexp.MustCompile(`[\p{Latin}\p{N}]+(?:['’][\p{Latin}]+)*`)
	hanRe  = regexp.MustCompile(`\p{Han}+`)
)

// Tokens returns the tokens of text in order of appearance, stopwords removed.
func Tokens(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for _, w := range wordRe.FindAllString(lower, -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	for _, run := range hanRe.FindAllString(lower, -1) {
		out = append(out, hanBigrams(run)...)
	}
	return out
}

// TokenSet returns the distinct tokens of text.
func TokenSet(text string) map[string]struct{} {
	tokens := Tokens(text)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func hanBigrams(run string) []string {
	runes := []rune(run)
	if len(runes) == 1 {
		if _, stop := hanStopwords[runes[0]]; stop {
			return nil
		}
		return []string{run}
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}

// IsHan reports whether r is a Han character.
func IsHan(r rune) bool { return unicode.Is(unicode.Han, r) }

var hanStopwords = map[rune]struct{}{
	'的': {}, '了': {}, '和': {}, '是': {}, '在': {}, '与': {}, '及': {}, '或': {}, '等': {},
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
