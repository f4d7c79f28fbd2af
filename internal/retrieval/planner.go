// Package retrieval plans which chunks ground an answer: it embeds the
// query, over-fetches candidates from the vector index, re-ranks them with a
// lexical signal, deduplicates overlapping chunks, and cuts the result down
// to a context budget. For a fixed index snapshot and query the result is
// fully deterministic.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/askdoc/askdoc/internal/faults"
	"github.com/askdoc/askdoc/internal/index"
)

const (
	defaultCandidateMultiplier = 4

	// similarityWeight and lexicalWeight blend the vector score with the
	// query-term overlap during re-ranking.
	similarityWeight = 0.85
	lexicalWeight    = 0.15

	// dedupeOverlap is the fraction of the shorter chunk's span that must
	// overlap another chunk of the same document for the two to count as
	// duplicates.
	dedupeOverlap = 0.6
)

// QueryEmbedder turns query text into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelVersion() string
}

// Searcher is the vector index read path.
type Searcher interface {
	Query(vector []float32, params index.SearchParams) ([]index.Match, index.Snapshot)
}

// Budget bounds the assembled context.
type Budget struct {
	MaxChunks int
	MaxTokens int
}

// ScoredChunk is one selected chunk with its final (re-ranked) score.
type ScoredChunk struct {
	ChunkID    string
	DocumentID string
	Version    int64
	Seq        int
	Start      int
	End        int
	Text       string
	Score      float32
}

// Result is a single retrieval's output, returned fresh per call.
type Result struct {
	Chunks []ScoredChunk
	// Snapshot records the document versions the query observed, so
	// citations can be tied to the exact index state they came from.
	Snapshot index.Snapshot
}

// Planner wires the embedder and the index into the retrieval contract.
type Planner struct {
	embedder QueryEmbedder
	searcher Searcher
	counter  TokenCounter

	// candidateMultiplier is the over-fetch factor: the index is asked for
	// multiplier×MaxChunks candidates to give re-ranking room to work.
	// This is the exactness/latency knob.
	candidateMultiplier int
	minScore            float32
}

// NewPlanner creates a Planner. A multiplier <= 0 takes the default.
func NewPlanner(embedder QueryEmbedder, searcher Searcher, counter TokenCounter, candidateMultiplier int, minScore float32) *Planner {
	if candidateMultiplier <= 0 {
		candidateMultiplier = defaultCandidateMultiplier
	}
	if counter == nil {
		counter = WordCounter{}
	}
	return &Planner{
		embedder:            embedder,
		searcher:            searcher,
		counter:             counter,
		candidateMultiplier: candidateMultiplier,
		minScore:            minScore,
	}
}

// Retrieve selects the chunks grounding an answer to query, restricted to
// the given document scope. A nil scope searches all documents; an empty
// non-nil scope matches nothing.
func (p *Planner) Retrieve(ctx context.Context, query string, scope []string, budget Budget) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, faults.Validationf("empty query")
	}
	if budget.MaxChunks <= 0 {
		return Result{}, faults.Validationf("budget must allow at least one chunk")
	}

	vector, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("embedding query: %w", err)
	}

	matches, snap := p.searcher.Query(vector, index.SearchParams{
		K:            budget.MaxChunks * p.candidateMultiplier,
		Scope:        scope,
		ModelVersion: p.embedder.ModelVersion(),
		MinScore:     p.minScore,
	})

	candidates := rerank(query, matches)
	candidates = dedupe(candidates)
	selected := p.truncate(candidates, budget)

	return Result{Chunks: selected, Snapshot: snap}, nil
}

// rerank blends vector similarity with query-term overlap. Ordering is
// deterministic: ties fall back to chunk id.
func rerank(query string, matches []index.Match) []ScoredChunk {
	queryTerms := terms(query)

	out := make([]ScoredChunk, len(matches))
	for i, m := range matches {
		score := similarityWeight*m.Score + lexicalWeight*overlapFraction(queryTerms, m.Entry.Text)
		out[i] = ScoredChunk{
			ChunkID:    m.Entry.ChunkID,
			DocumentID: m.Entry.DocumentID,
			Version:    m.Entry.Version,
			Seq:        m.Entry.Seq,
			Start:      m.Entry.Start,
			End:        m.Entry.End,
			Text:       m.Entry.Text,
			Score:      score,
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// dedupe drops chunks whose offsets substantially overlap a higher-ranked
// chunk of the same document. Input must be sorted by rank.
func dedupe(chunks []ScoredChunk) []ScoredChunk {
	kept := chunks[:0]
	for _, c := range chunks {
		dup := false
		for _, k := range kept {
			if k.DocumentID == c.DocumentID && overlapsSubstantially(k, c) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
		}
	}
	return kept
}

func overlapsSubstantially(a, b ScoredChunk) bool {
	lo := max(a.Start, b.Start)
	hi := min(a.End, b.End)
	if hi <= lo {
		return false
	}
	shorter := min(a.End-a.Start, b.End-b.Start)
	if shorter == 0 {
		return false
	}
	return float64(hi-lo) >= dedupeOverlap*float64(shorter)
}

// truncate keeps rank order while enforcing the chunk and token budgets.
func (p *Planner) truncate(chunks []ScoredChunk, budget Budget) []ScoredChunk {
	var out []ScoredChunk
	tokens := 0
	for _, c := range chunks {
		if len(out) >= budget.MaxChunks {
			break
		}
		cost := p.counter.Count(c.Text)
		if budget.MaxTokens > 0 && tokens+cost > budget.MaxTokens && len(out) > 0 {
			break
		}
		out = append(out, c)
		tokens += cost
	}
	return out
}

// terms lowercases and splits text into its word set.
func terms(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

// overlapFraction is the fraction of query terms present in the chunk text.
func overlapFraction(queryTerms map[string]struct{}, text string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	chunkTerms := terms(text)
	hits := 0
	for t := range queryTerms {
		if _, ok := chunkTerms[t]; ok {
			hits++
		}
	}
	return float32(hits) / float32(len(queryTerms))
}
