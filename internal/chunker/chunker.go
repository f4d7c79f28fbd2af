// Package chunker splits normalized document text into overlapping,
// offset-addressable retrieval units.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// Options controls chunk sizing. Sizes are in bytes of UTF-8 text; cuts are
// always adjusted onto rune boundaries.
type Options struct {
	// MaxChunkSize is the largest chunk, in bytes. Defaults to 1000.
	MaxChunkSize int
	// Overlap is how many bytes adjacent chunks share. Defaults to 150 and
	// is clamped below MaxChunkSize.
	Overlap int
}

const (
	defaultMaxChunkSize = 1000
	defaultOverlap      = 150
)

// Chunk is one contiguous slice of the source text. Text == source[Start:End].
type Chunk struct {
	Start int
	End   int
	Text  string
}

// Split cuts text into chunks of at most MaxChunkSize bytes, preferring
// paragraph and sentence boundaries and falling back to fixed windows when a
// unit has no boundary to cut at. Consecutive chunks overlap by Overlap
// bytes so retrieval keeps cross-boundary context.
//
// Every byte of text is covered by at least one chunk; concatenating the
// de-overlapped ranges reconstructs the input exactly. Empty input yields nil.
func Split(text string, opts Options) []Chunk {
	if text == "" {
		return nil
	}

	maxSize := opts.MaxChunkSize
	if maxSize <= 0 {
		maxSize = defaultMaxChunkSize
	}
	overlap := opts.Overlap
	if overlap < 0 {
		overlap = defaultOverlap
	}
	if overlap >= maxSize {
		overlap = maxSize / 2
	}

	var chunks []Chunk
	start := 0
	for {
		if len(text)-start <= maxSize {
			chunks = append(chunks, Chunk{Start: start, End: len(text), Text: text[start:]})
			return chunks
		}

		cut := cutPoint(text, start, start+maxSize)
		chunks = append(chunks, Chunk{Start: start, End: cut, Text: text[start:cut]})

		next := cut - overlap
		if next <= start {
			next = cut
		}
		// Never start mid-rune.
		for next > 0 && !utf8.RuneStart(text[next]) {
			next--
		}
		if next <= start {
			// The overlap start fell inside the rune straddling start and
			// the walk-back undid the advance. Skip the overlap for this
			// step; cut is always past start and on a rune boundary.
			next = cut
		}
		start = next
	}
}

// cutPoint picks where to end a chunk that must be cut before limit. It
// searches the window [min, limit) backwards for the strongest boundary:
// paragraph break, then sentence end, then whitespace. With no boundary in
// the window the chunk ends exactly at limit (fixed-size fallback).
func cutPoint(text string, start, limit int) int {
	// Only look back over the second half of the chunk so a boundary near
	// the start doesn't produce degenerate slivers.
	min := start + (limit-start)/2
	window := text[min:limit]

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return min + i + 2
	}
	if i := lastSentenceEnd(window); i >= 0 {
		return min + i
	}
	if i := strings.LastIndexAny(window, " \t\n"); i >= 0 {
		return min + i + 1
	}

	cut := limit
	for cut > start && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == start {
		// MaxChunkSize smaller than one rune: take the whole rune anyway.
		_, size := utf8.DecodeRuneInString(text[start:])
		cut = start + size
	}
	return cut
}

// lastSentenceEnd returns the index just past the last sentence terminator
// that is followed by whitespace, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i > 0; i-- {
		switch s[i-1] {
		case '.', '!', '?':
			if s[i] == ' ' || s[i] == '\n' || s[i] == '\t' {
				return i
			}
		}
	}
	return -1
}

// Covers reports whether chunks cover every byte of a text of the given
// length with no gaps. Chunks must be in order, as produced by Split.
func Covers(chunks []Chunk, length int) bool {
	if length == 0 {
		return len(chunks) == 0
	}
	if len(chunks) == 0 || chunks[0].Start != 0 {
		return false
	}
	end := 0
	for _, c := range chunks {
		if c.Start > end {
			return false
		}
		if c.End > end {
			end = c.End
		}
	}
	return end == length
}
