package chunker

import (
	"strings"

	"nutrirag/internal/domain"
)

// DefaultTerminators are the runes accepted as sentence ends when looking for
// a cut point.
const DefaultTerminators = "。"

// WindowChunker splits text into fixed-size rune windows that overlap by a
// fixed amount, preferring to cut right after a sentence terminator.
type WindowChunker struct {
	chunkSize   int
	overlap     int
	terminators string
}

// NewWindowChunker validates the window parameters. An overlap that is not
// smaller than the window would stop the cursor from advancing.
func NewWindowChunker(chunkSize, overlap int, terminators string) (*WindowChunker, error) {
	if err := validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	if terminators == "" {
		terminators = DefaultTerminators
	}
	return &WindowChunker{chunkSize: chunkSize, overlap: overlap, terminators: terminators}, nil
}

// Chunk implements domain.Chunker.
func (c *WindowChunker) Chunk(text string) ([]string, error) {
	return split(text, c.chunkSize, c.overlap, c.terminators), nil
}

// Split is a convenience wrapper around NewWindowChunker(...).Chunk.
func Split(text string, chunkSize, overlap int) ([]string, error) {
	if err := validate(chunkSize, overlap); err != nil {
		return nil, err
	}
	return split(text, chunkSize, overlap, DefaultTerminators), nil
}

func validate(chunkSize, overlap int) error {
	if chunkSize <= 0 {
		return domain.NewConfigError("chunk_size", "must be positive, got %d", chunkSize)
	}
	if overlap < 0 {
		return domain.NewConfigError("overlap", "must not be negative, got %d", overlap)
	}
	if overlap >= chunkSize {
		return domain.NewConfigError("overlap", "must be smaller than chunk_size (%d >= %d)", overlap, chunkSize)
	}
	return nil
}

func split(text string, chunkSize, overlap int, terminators string) []string {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}
	var chunks []string
	start := 0
	for start < n {
		end := start + chunkSize
		if end >= n {
			chunks = append(chunks, string(runes[start:n]))
			break
		}
		// Only accept a sentence cut in the back half of the window.
		if cut := lastTerminator(runes, start, end, terminators); cut > start+chunkSize/2 {
			end = cut + 1
		}
		chunks = append(chunks, string(runes[start:end]))
		next := end - overlap
		if next <= start {
			// a short sentence cut can swallow the whole overlap
			next = end
		}
		start = next
	}
	return chunks
}

func lastTerminator(runes []rune, start, end int, terminators string) int {
	for i := end - 1; i >= start; i-- {
		if strings.ContainsRune(terminators, runes[i]) {
			return i
		}
	}
	return -1
}
