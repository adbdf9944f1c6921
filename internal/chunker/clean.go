package chunker

import (
	"regexp"
	"strings"
)

var (
	// Han characters, Chinese punctuation, whitespace and word characters survive.
	disallowedRe = regexp.MustCompile(`[^\p{Han}，。；：？！、（）【】《》“”‘’\s\w]`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// Clean normalizes OCR output before chunking: stray symbols become spaces
// and runs of whitespace collapse to one space.
func Clean(text string) string {
	text = disallowedRe.ReplaceAllString(text, " ")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
