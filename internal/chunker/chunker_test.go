package chunker

import (
	"strings"
	"testing"
	"time"
)

func TestSplit_FixedWindows(t *testing.T) {
	// Boundary-free text forces the fixed-size fallback.
	text := strings.Repeat("a", 200)
	chunks := Split(text, Options{MaxChunkSize: 100, Overlap: 20})

	want := []struct{ start, end int }{
		{0, 100},
		{80, 180},
		{160, 200},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, w := range want {
		if chunks[i].Start != w.start || chunks[i].End != w.end {
			t.Errorf("chunk %d = [%d,%d), want [%d,%d)", i, chunks[i].Start, chunks[i].End, w.start, w.end)
		}
		if chunks[i].Text != text[w.start:w.end] {
			t.Errorf("chunk %d text does not match its offsets", i)
		}
	}
}

func TestSplit_EmptyText(t *testing.T) {
	if chunks := Split("", Options{MaxChunkSize: 100, Overlap: 20}); chunks != nil {
		t.Fatalf("got %d chunks for empty text, want none", len(chunks))
	}
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	text := "short paragraph"
	chunks := Split(text, Options{MaxChunkSize: 100, Overlap: 20})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != len(text) || chunks[0].Text != text {
		t.Errorf("chunk = [%d,%d) %q, want full text", chunks[0].Start, chunks[0].End, chunks[0].Text)
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("x", 70)
	para2 := strings.Repeat("y", 80)
	text := para1 + "\n\n" + para2
	chunks := Split(text, Options{MaxChunkSize: 100, Overlap: 10})

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	// First cut should land just past the paragraph break, not at byte 100.
	if chunks[0].End != len(para1)+2 {
		t.Errorf("first chunk ends at %d, want %d (after paragraph break)", chunks[0].End, len(para1)+2)
	}
}

func TestSplit_PrefersSentenceBoundary(t *testing.T) {
	s1 := "This is the first sentence of the document. "
	s2 := strings.Repeat("z", 90)
	text := s1 + s2
	chunks := Split(text, Options{MaxChunkSize: 100, Overlap: 10})

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want at least 2", len(chunks))
	}
	if chunks[0].End != len(s1) {
		t.Errorf("first chunk ends at %d, want %d (after sentence end)", chunks[0].End, len(s1))
	}
}

func TestSplit_LosslessCoverage(t *testing.T) {
	cases := []struct {
		name string
		text string
		opts Options
	}{
		{"plain", strings.Repeat("word and more text. ", 100), Options{MaxChunkSize: 128, Overlap: 32}},
		{"paragraphs", strings.Repeat("A paragraph of text here.\n\n", 40), Options{MaxChunkSize: 100, Overlap: 20}},
		{"no boundaries", strings.Repeat("q", 1013), Options{MaxChunkSize: 90, Overlap: 17}},
		{"multibyte", strings.Repeat("日本語のテキストです。", 60), Options{MaxChunkSize: 100, Overlap: 30}},
		{"tiny", "ab", Options{MaxChunkSize: 1, Overlap: 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Split(tc.text, tc.opts)
			if !Covers(chunks, len(tc.text)) {
				t.Fatalf("chunks do not cover the input losslessly")
			}
			// De-overlapped concatenation reconstructs the input.
			var b strings.Builder
			prevEnd := 0
			for _, c := range chunks {
				if c.Start > prevEnd {
					t.Fatalf("gap before chunk at %d", c.Start)
				}
				if c.End > prevEnd {
					b.WriteString(tc.text[prevEnd:c.End])
					prevEnd = c.End
				}
			}
			if b.String() != tc.text {
				t.Fatalf("de-overlapped concatenation does not reconstruct input")
			}
			for _, c := range chunks {
				if c.Text != tc.text[c.Start:c.End] {
					t.Fatalf("chunk text out of sync with offsets at [%d,%d)", c.Start, c.End)
				}
			}
		})
	}
}

func TestSplit_TerminatesWithNearMaxOverlapOnMultibyte(t *testing.T) {
	// With a small window and near-maximal overlap, the overlap start can
	// land mid-rune one byte past the previous start; the rune walk-back
	// must not undo the advance and stall the loop.
	text := strings.Repeat("日本語", 50)
	done := make(chan []Chunk, 1)
	go func() { done <- Split(text, Options{MaxChunkSize: 10, Overlap: 8}) }()

	var chunks []Chunk
	select {
	case chunks = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Split did not terminate")
	}

	if !Covers(chunks, len(text)) {
		t.Fatalf("chunks do not cover the input losslessly")
	}
	prev := -1
	for i, c := range chunks {
		if c.Start <= prev {
			t.Fatalf("chunk %d starts at %d, no forward progress from %d", i, c.Start, prev)
		}
		prev = c.Start
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("Sentences vary in length. Some are short. Others run on for quite a while before stopping. ", 30)
	opts := Options{MaxChunkSize: 200, Overlap: 40}
	a := Split(text, opts)
	b := Split(text, opts)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}
