// Package chunking splits extracted text into word-window chunks.
package chunking

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"docsync/internal/model"
)

// Strategy names a chunking algorithm
type Strategy string

const (
	Fixed    Strategy = "fixed"
	Sentence Strategy = "sentence"
	Sliding  Strategy = "sliding"
)

// ErrUnknownStrategy is returned by ParseStrategy for unrecognized names
var ErrUnknownStrategy = errors.New("unknown chunking strategy")

// minContentRunes is the fewest non-whitespace runes worth chunking
const minContentRunes = 10

// ParseStrategy converts a config value to a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Fixed:
		return Fixed, nil
	case Sentence:
		return Sentence, nil
	case Sliding:
		return Sliding, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Chunker splits text into chunks with a fixed strategy and limits
type Chunker struct {
	Strategy  Strategy
	Size      int // words per chunk
	Overlap   int // words shared by consecutive windows
	MaxChunks int // 0 means unlimited
}

// NewChunker creates a Chunker
func NewChunker(strategy Strategy, size, overlap, maxChunks int) *Chunker {
	return &Chunker{
		Strategy:  strategy,
		Size:      size,
		Overlap:   overlap,
		MaxChunks: maxChunks,
	}
}

// ChunkText splits text and applies MaxChunks
func (c *Chunker) ChunkText(text string) []model.TextChunk {
	return Limit(Chunk(text, c.Strategy, c.Size, c.Overlap), c.MaxChunks)
}

// Chunk splits text into index-ordered, non-empty chunks. Start and End are
// rune offsets into text. Text with fewer than 10 non-whitespace runes
// yields no chunks. An unknown strategy falls back to Fixed.
func Chunk(text string, strategy Strategy, size, overlap int) []model.TextChunk {
	if !hasContent(text) {
		return nil
	}

	runes := []rune(text)
	words := splitWords(runes)
	size, overlap = normalize(size, overlap)

	switch strategy {
	case Sentence:
		return sentenceChunks(runes, words, size)
	case Sliding:
		return windowChunks(runes, words, size, slidingOverlap(size, overlap))
	default:
		return windowChunks(runes, words, size, overlap)
	}
}

// Limit truncates chunks to at most max entries. max <= 0 means no limit.
func Limit(chunks []model.TextChunk, max int) []model.TextChunk {
	if max > 0 && len(chunks) > max {
		return chunks[:max]
	}
	return chunks
}

func hasContent(text string) bool {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
			if n >= minContentRunes {
				return true
			}
		}
	}
	return false
}

func normalize(size, overlap int) (int, int) {
	if size < 1 {
		size = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	return size, overlap
}

// slidingOverlap widens the overlap to max(2*overlap, size/4), capped at size/2
func slidingOverlap(size, overlap int) int {
	o := 2 * overlap
	if q := size / 4; q > o {
		o = q
	}
	if half := size / 2; o > half {
		o = half
	}
	return o
}

// word is a maximal run of non-space runes, [start, end)
type word struct {
	start, end int
}

func splitWords(runes []rune) []word {
	var words []word
	start := -1
	for i, r := range runes {
		if unicode.IsSpace(r) {
			if start >= 0 {
				words = append(words, word{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{start, len(runes)})
	}
	return words
}

func makeChunk(runes []rune, words []word, from, to, index int) model.TextChunk {
	start := words[from].start
	end := words[to-1].end
	return model.TextChunk{
		Index:      index,
		Text:       string(runes[start:end]),
		Start:      start,
		End:        end,
		TokenCount: to - from,
	}
}

func windowChunks(runes []rune, words []word, size, overlap int) []model.TextChunk {
	step := size - overlap
	var chunks []model.TextChunk
	for i := 0; i < len(words); i += step {
		end := i + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, makeChunk(runes, words, i, end, len(chunks)))
		if end == len(words) {
			break
		}
	}
	return chunks
}

// sentenceChunks groups whole sentences until the next one would push the
// chunk past size words. A sentence longer than size is its own chunk.
func sentenceChunks(runes []rune, words []word, size int) []model.TextChunk {
	var chunks []model.TextChunk
	from := 0 // first word of the open chunk
	sentStart := 0
	for i, w := range words {
		if !endsSentence(runes, w) && i != len(words)-1 {
			continue
		}
		sentEnd := i + 1
		if sentStart > from && sentEnd-from > size {
			chunks = append(chunks, makeChunk(runes, words, from, sentStart, len(chunks)))
			from = sentStart
		}
		sentStart = sentEnd
	}
	if from < len(words) {
		chunks = append(chunks, makeChunk(runes, words, from, len(words), len(chunks)))
	}
	return chunks
}

func endsSentence(runes []rune, w word) bool {
	for i := w.end - 1; i >= w.start; i-- {
		switch runes[i] {
		case '"', '\'', ')', ']', '”', '’':
			continue
		case '.', '!', '?', '。', '！', '？':
			return true
		}
		return false
	}
	return false
}
