package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/askdoc/askdoc/internal/faults"
	"github.com/askdoc/askdoc/internal/index"
)

// hashEmbedder maps text onto a deterministic 8-dim vector.
type hashEmbedder struct{}

func (hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return hashVector(text), nil
}

func (hashEmbedder) ModelVersion() string { return "m1" }

func hashVector(text string) []float32 {
	v := make([]float32, 8)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		var h uint32
		for _, r := range w {
			h = h*31 + uint32(r)
		}
		v[h%8]++
	}
	return v
}

func buildIndex(t *testing.T, entries map[string][]index.Entry) *index.Index {
	t.Helper()
	ix := index.New()
	for doc, es := range entries {
		if err := ix.Upsert(doc, 1, es); err != nil {
			t.Fatalf("Upsert %s: %v", doc, err)
		}
	}
	return ix
}

func entryFor(chunkID, text string, seq, start, end int) index.Entry {
	return index.Entry{
		ChunkID:      chunkID,
		Seq:          seq,
		Start:        start,
		End:          end,
		Text:         text,
		ModelVersion: "m1",
		Vector:       hashVector(text),
	}
}

func TestRetrieve_Deterministic(t *testing.T) {
	ix := buildIndex(t, map[string][]index.Entry{
		"d1": {
			entryFor("c1", "the solar panel generates power", 0, 0, 32),
			entryFor("c2", "wind turbines complement solar arrays", 1, 30, 68),
			entryFor("c3", "battery storage holds excess power", 2, 66, 100),
		},
	})
	p := NewPlanner(hashEmbedder{}, ix, WordCounter{}, 4, 0)

	first, err := p.Retrieve(context.Background(), "solar power", []string{"d1"}, Budget{MaxChunks: 3, MaxTokens: 100})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(first.Chunks) == 0 {
		t.Fatal("no chunks retrieved")
	}
	for run := 0; run < 5; run++ {
		again, err := p.Retrieve(context.Background(), "solar power", []string{"d1"}, Budget{MaxChunks: 3, MaxTokens: 100})
		if err != nil {
			t.Fatalf("Retrieve run %d: %v", run, err)
		}
		if len(again.Chunks) != len(first.Chunks) {
			t.Fatalf("run %d returned %d chunks, want %d", run, len(again.Chunks), len(first.Chunks))
		}
		for i := range again.Chunks {
			if again.Chunks[i] != first.Chunks[i] {
				t.Fatalf("run %d differs at position %d", run, i)
			}
		}
	}
}

func TestRetrieve_DedupesOverlappingChunks(t *testing.T) {
	// c1 and c2 cover nearly the same span of d1.
	ix := buildIndex(t, map[string][]index.Entry{
		"d1": {
			entryFor("c1", "installing solar panels on the roof", 0, 0, 40),
			entryFor("c2", "solar panels on the roof need sun", 1, 5, 42),
			entryFor("c3", "a completely different topic entirely", 2, 100, 140),
		},
	})
	p := NewPlanner(hashEmbedder{}, ix, WordCounter{}, 4, 0)

	res, err := p.Retrieve(context.Background(), "solar panels roof", []string{"d1"}, Budget{MaxChunks: 5, MaxTokens: 1000})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	seen := map[string]bool{}
	for _, c := range res.Chunks {
		seen[c.ChunkID] = true
	}
	if seen["c1"] && seen["c2"] {
		t.Error("both overlapping chunks survived deduplication")
	}
}

func TestRetrieve_HonorsTokenBudget(t *testing.T) {
	long := strings.Repeat("many words in this chunk ", 20)
	ix := buildIndex(t, map[string][]index.Entry{
		"d1": {
			entryFor("c1", long, 0, 0, 500),
			entryFor("c2", long, 1, 600, 1100),
			entryFor("c3", long, 2, 1200, 1700),
		},
	})
	p := NewPlanner(hashEmbedder{}, ix, WordCounter{}, 4, 0)

	res, err := p.Retrieve(context.Background(), "many words", []string{"d1"}, Budget{MaxChunks: 3, MaxTokens: 120})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	// Each chunk is 100 words; a 120-token budget fits exactly one.
	if len(res.Chunks) != 1 {
		t.Fatalf("got %d chunks under budget, want 1", len(res.Chunks))
	}
}

func TestRetrieve_ScopeRestriction(t *testing.T) {
	ix := buildIndex(t, map[string][]index.Entry{
		"d1": {entryFor("in", "shared topic text", 0, 0, 17)},
		"d2": {entryFor("out", "shared topic text", 0, 0, 17)},
	})
	p := NewPlanner(hashEmbedder{}, ix, WordCounter{}, 4, 0)

	res, err := p.Retrieve(context.Background(), "shared topic", []string{"d1"}, Budget{MaxChunks: 10, MaxTokens: 100})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, c := range res.Chunks {
		if c.DocumentID != "d1" {
			t.Errorf("chunk %s from out-of-scope document %s", c.ChunkID, c.DocumentID)
		}
	}
	if _, ok := res.Snapshot["d2"]; ok {
		t.Error("out-of-scope document in snapshot")
	}
}

func TestRetrieve_EmptyQueryRejected(t *testing.T) {
	ix := index.New()
	p := NewPlanner(hashEmbedder{}, ix, WordCounter{}, 4, 0)
	_, err := p.Retrieve(context.Background(), "   ", nil, Budget{MaxChunks: 3})
	if !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestRerank_LexicalSignalBreaksNearTies(t *testing.T) {
	// Same vector for both entries: lexical overlap must decide the order.
	vec := []float32{1, 1, 0, 0, 0, 0, 0, 0}
	ix := index.New()
	ix.Upsert("d1", 1, []index.Entry{
		{ChunkID: "lex", Text: "solar power output", ModelVersion: "m1", Vector: vec},
		{ChunkID: "other", Text: "unrelated wording here", ModelVersion: "m1", Vector: vec},
	})

	matches, _ := ix.Query(vec, index.SearchParams{K: 10, ModelVersion: "m1"})
	ranked := rerank("solar power", matches)
	if ranked[0].ChunkID != "lex" {
		t.Fatalf("top chunk = %s, want lex", ranked[0].ChunkID)
	}
}
