// Package index implements the in-memory vector index: a queryable
// projection of chunk embeddings with versioned, atomically-visible updates.
//
// Entries are grouped into per-document epochs keyed by document version.
// Upsert swaps a document's whole epoch under the write lock, so readers see
// either the fully old entry set or the fully new one, never a mix. Queries
// copy epoch pointers under the read lock and score lock-free afterwards:
// a query in flight when Retire is called may still observe retired entries,
// but no query started after Retire returns will.
package index

import (
	"math"
	"sort"
	"sync"

	"github.com/askdoc/askdoc/internal/faults"
)

// Entry is the unit the index stores and queries over.
type Entry struct {
	ChunkID      string
	DocumentID   string
	Version      int64
	Seq          int
	Start        int
	End          int
	Text         string
	ModelVersion string
	Vector       []float32

	// norm is precomputed at upsert so queries skip the per-entry sqrt.
	norm float32
}

// Match is one query hit.
type Match struct {
	Entry Entry
	Score float32
}

// SearchParams tunes a single query.
type SearchParams struct {
	// K is the number of entries to return.
	K int
	// Scope restricts the query to the given document ids. Nil means all
	// documents; an empty non-nil scope matches nothing.
	Scope []string
	// ModelVersion, when set, excludes entries embedded by a different
	// model (stale after a model upgrade).
	ModelVersion string
	// MinScore drops entries scoring below the threshold.
	MinScore float32
}

// Snapshot records which document versions a query observed.
type Snapshot map[string]int64

// docEpoch is the immutable entry set for one document version. A new epoch
// replaces the old one wholesale; entries are never mutated in place.
type docEpoch struct {
	version int64
	entries []Entry
}

// Index holds one visible epoch per document.
type Index struct {
	mu   sync.RWMutex
	docs map[string]*docEpoch
}

// New creates an empty Index.
func New() *Index {
	return &Index{docs: make(map[string]*docEpoch)}
}

// Upsert atomically replaces all entries for (documentID, version). Versions
// must be applied in increasing order per document; an upsert for a version
// older than the visible one is rejected as a consistency violation. An
// upsert for the already-visible version replaces the epoch, which makes
// re-committing an identical batch idempotent.
func (ix *Index) Upsert(documentID string, version int64, entries []Entry) error {
	ep := &docEpoch{version: version, entries: make([]Entry, len(entries))}
	copy(ep.entries, entries)
	for i := range ep.entries {
		ep.entries[i].DocumentID = documentID
		ep.entries[i].Version = version
		ep.entries[i].norm = norm(ep.entries[i].Vector)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if cur, ok := ix.docs[documentID]; ok && version < cur.version {
		return faults.Consistencyf("upsert for document %s version %d behind visible version %d", documentID, version, cur.version)
	}
	ix.docs[documentID] = ep
	return nil
}

// Retire removes the document's entries if the visible epoch matches the
// given version. Retiring a version that was already superseded is a no-op.
// Safe to call concurrently with queries.
func (ix *Index) Retire(documentID string, version int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if cur, ok := ix.docs[documentID]; ok && cur.version == version {
		delete(ix.docs, documentID)
	}
}

// Version returns the visible version for a document, or 0 if absent.
func (ix *Index) Version(documentID string) int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ep, ok := ix.docs[documentID]; ok {
		return ep.version
	}
	return 0
}

// Query returns the K nearest entries by cosine similarity, with the
// document-version snapshot the scores were computed against. Results are
// ordered by score descending, ties broken by chunk id, so a fixed snapshot
// and query always produce identical output.
func (ix *Index) Query(vector []float32, params SearchParams) ([]Match, Snapshot) {
	epochs, snap := ix.collect(params.Scope)
	if params.K <= 0 || len(epochs) == 0 {
		return nil, snap
	}

	qNorm := norm(vector)
	if qNorm == 0 {
		return nil, snap
	}

	var matches []Match
	for _, ep := range epochs {
		for i := range ep.entries {
			e := &ep.entries[i]
			if params.ModelVersion != "" && e.ModelVersion != params.ModelVersion {
				continue
			}
			score := cosine(vector, qNorm, e.Vector, e.norm)
			if score < params.MinScore {
				continue
			}
			matches = append(matches, Match{Entry: *e, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.ChunkID < matches[j].Entry.ChunkID
	})

	if len(matches) > params.K {
		matches = matches[:params.K]
	}
	return matches, snap
}

// Contains reports whether the chunk id is present in the currently visible
// epoch of its document. Used to validate citations against the live index.
func (ix *Index) Contains(documentID, chunkID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ep, ok := ix.docs[documentID]
	if !ok {
		return false
	}
	for i := range ep.entries {
		if ep.entries[i].ChunkID == chunkID {
			return true
		}
	}
	return false
}

// collect grabs epoch pointers for the scoped documents under the read lock.
// Scoring happens outside the lock; epochs are immutable once published.
func (ix *Index) collect(scope []string) ([]*docEpoch, Snapshot) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	snap := make(Snapshot)
	var epochs []*docEpoch

	if scope == nil {
		for id, ep := range ix.docs {
			epochs = append(epochs, ep)
			snap[id] = ep.version
		}
		return epochs, snap
	}

	for _, id := range scope {
		if ep, ok := ix.docs[id]; ok {
			epochs = append(epochs, ep)
			snap[id] = ep.version
		}
	}
	return epochs, snap
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm) with precomputed norms.
func cosine(a []float32, aNorm float32, b []float32, bNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (float64(aNorm) * float64(bNorm)))
}
