package embed

import (
	"unicode/utf8"

	"docsync/internal/model"
)

// BatchPolicy picks a batch size from the average chunk length
type BatchPolicy struct {
	SmallTextRunes  int // average below this uses SmallBatch
	MediumTextRunes int // average below this uses MediumBatch
	SmallBatch      int
	MediumBatch     int
	LargeBatch      int
	// MemoryConstrained halves every batch size
	MemoryConstrained bool
}

// DefaultBatchPolicy returns the stock thresholds: <500 runes → 32,
// <1000 → 16, otherwise 8.
func DefaultBatchPolicy() BatchPolicy {
	return BatchPolicy{
		SmallTextRunes:  500,
		MediumTextRunes: 1000,
		SmallBatch:      32,
		MediumBatch:     16,
		LargeBatch:      8,
	}
}

// BatchSize returns the batch size for chunks, at least 1
func (p BatchPolicy) BatchSize(chunks []model.TextChunk) int {
	if len(chunks) == 0 {
		return 1
	}

	total := 0
	for _, c := range chunks {
		total += utf8.RuneCountInString(c.Text)
	}
	avg := total / len(chunks)

	size := p.LargeBatch
	switch {
	case avg < p.SmallTextRunes:
		size = p.SmallBatch
	case avg < p.MediumTextRunes:
		size = p.MediumBatch
	}
	if p.MemoryConstrained {
		size /= 2
	}
	if size < 1 {
		size = 1
	}
	return size
}
