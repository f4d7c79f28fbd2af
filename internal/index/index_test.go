package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/askdoc/askdoc/internal/faults"
)

func entry(chunkID string, vec ...float32) Entry {
	return Entry{ChunkID: chunkID, Text: "text " + chunkID, ModelVersion: "m1", Vector: vec}
}

func TestQuery_RanksBySimilarity(t *testing.T) {
	ix := New()
	err := ix.Upsert("doc1", 1, []Entry{
		entry("c1", 1, 0),
		entry("c2", 0, 1),
		entry("c3", 0.9, 0.1),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, snap := ix.Query([]float32{1, 0}, SearchParams{K: 2})
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Entry.ChunkID != "c1" || matches[1].Entry.ChunkID != "c3" {
		t.Errorf("ranking = [%s %s], want [c1 c3]", matches[0].Entry.ChunkID, matches[1].Entry.ChunkID)
	}
	if snap["doc1"] != 1 {
		t.Errorf("snapshot version = %d, want 1", snap["doc1"])
	}
}

func TestUpsert_AtomicVersionVisibility(t *testing.T) {
	ix := New()
	v1 := []Entry{entry("v1c1", 1, 0), entry("v1c2", 0.9, 0.1)}
	if err := ix.Upsert("doc1", 1, v1); err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}

	check := func(wantVersion int64, wantPrefix string) {
		t.Helper()
		matches, snap := ix.Query([]float32{1, 0}, SearchParams{K: 10})
		if snap["doc1"] != wantVersion {
			t.Fatalf("snapshot version = %d, want %d", snap["doc1"], wantVersion)
		}
		for _, m := range matches {
			if m.Entry.Version != wantVersion {
				t.Fatalf("mixed versions: entry %s has version %d, want %d", m.Entry.ChunkID, m.Entry.Version, wantVersion)
			}
		}
		if len(matches) == 0 {
			t.Fatal("no matches")
		}
		for _, m := range matches {
			if m.Entry.ChunkID[:len(wantPrefix)] != wantPrefix {
				t.Fatalf("entry %s from wrong version set", m.Entry.ChunkID)
			}
		}
	}

	check(1, "v1")

	v2 := []Entry{entry("v2c1", 1, 0), entry("v2c2", 0, 1), entry("v2c3", 0.5, 0.5)}
	if err := ix.Upsert("doc1", 2, v2); err != nil {
		t.Fatalf("Upsert v2: %v", err)
	}

	// Strictly after upsert(2): only version-2 entries, never a mixture.
	check(2, "v2")
}

func TestUpsert_RejectsOutOfOrderVersion(t *testing.T) {
	ix := New()
	if err := ix.Upsert("doc1", 3, []Entry{entry("c1", 1)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	err := ix.Upsert("doc1", 2, []Entry{entry("old", 1)})
	if !faults.IsConsistency(err) {
		t.Fatalf("err = %v, want consistency violation", err)
	}
	// The stale writer must not have clobbered the visible epoch.
	if v := ix.Version("doc1"); v != 3 {
		t.Errorf("visible version = %d, want 3", v)
	}
}

func TestUpsert_SameVersionIdempotent(t *testing.T) {
	ix := New()
	entries := []Entry{entry("c1", 1, 0), entry("c2", 0, 1)}
	if err := ix.Upsert("doc1", 1, entries); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := ix.Upsert("doc1", 1, entries); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	matches, _ := ix.Query([]float32{1, 0}, SearchParams{K: 10})
	if len(matches) != 2 {
		t.Fatalf("got %d entries after idempotent re-upsert, want 2", len(matches))
	}
}

func TestRetire(t *testing.T) {
	ix := New()
	if err := ix.Upsert("doc1", 1, []Entry{entry("c1", 1)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Retiring a superseded version leaves the visible epoch alone.
	ix.Retire("doc1", 0)
	if matches, _ := ix.Query([]float32{1}, SearchParams{K: 5}); len(matches) != 1 {
		t.Fatalf("retire of superseded version removed live entries")
	}

	ix.Retire("doc1", 1)
	matches, snap := ix.Query([]float32{1}, SearchParams{K: 5})
	if len(matches) != 0 {
		t.Fatalf("got %d matches after retire, want 0", len(matches))
	}
	if _, ok := snap["doc1"]; ok {
		t.Error("retired document still in snapshot")
	}
}

func TestQuery_ScopeFilter(t *testing.T) {
	ix := New()
	ix.Upsert("doc1", 1, []Entry{entry("a", 1, 0)})
	ix.Upsert("doc2", 1, []Entry{entry("b", 1, 0)})

	matches, snap := ix.Query([]float32{1, 0}, SearchParams{K: 10, Scope: []string{"doc2"}})
	if len(matches) != 1 || matches[0].Entry.ChunkID != "b" {
		t.Fatalf("scope filter returned %v", matches)
	}
	if _, ok := snap["doc1"]; ok {
		t.Error("out-of-scope document in snapshot")
	}

	// Empty non-nil scope matches nothing.
	matches, _ = ix.Query([]float32{1, 0}, SearchParams{K: 10, Scope: []string{}})
	if len(matches) != 0 {
		t.Fatalf("empty scope returned %d matches", len(matches))
	}
}

func TestQuery_ModelVersionFilter(t *testing.T) {
	ix := New()
	stale := Entry{ChunkID: "old", ModelVersion: "m0", Vector: []float32{1, 0}}
	fresh := Entry{ChunkID: "new", ModelVersion: "m1", Vector: []float32{1, 0}}
	ix.Upsert("doc1", 1, []Entry{stale, fresh})

	matches, _ := ix.Query([]float32{1, 0}, SearchParams{K: 10, ModelVersion: "m1"})
	if len(matches) != 1 || matches[0].Entry.ChunkID != "new" {
		t.Fatalf("model filter returned %v", matches)
	}
}

func TestQuery_Deterministic(t *testing.T) {
	ix := New()
	var entries []Entry
	for i := 0; i < 50; i++ {
		// Many identical vectors force tie-breaking by chunk id.
		entries = append(entries, entry(fmt.Sprintf("c%02d", i), 1, 0))
	}
	ix.Upsert("doc1", 1, entries)

	first, _ := ix.Query([]float32{1, 0}, SearchParams{K: 20})
	for run := 0; run < 5; run++ {
		again, _ := ix.Query([]float32{1, 0}, SearchParams{K: 20})
		if len(again) != len(first) {
			t.Fatalf("run %d: got %d matches, want %d", run, len(again), len(first))
		}
		for i := range again {
			if again[i].Entry.ChunkID != first[i].Entry.ChunkID {
				t.Fatalf("run %d: order differs at %d", run, i)
			}
		}
	}
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	ix := New()
	ix.Upsert("stable", 1, []Entry{entry("s1", 1, 0)})

	var wg sync.WaitGroup
	// Writers re-index independent documents.
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			doc := fmt.Sprintf("doc%d", w)
			for v := int64(1); v <= 50; v++ {
				if err := ix.Upsert(doc, v, []Entry{entry(fmt.Sprintf("%s-v%d", doc, v), 1, 0)}); err != nil {
					t.Errorf("Upsert %s v%d: %v", doc, v, err)
					return
				}
				ix.Retire(doc, v-1)
			}
		}(w)
	}
	// Readers must always see whole epochs.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				matches, snap := ix.Query([]float32{1, 0}, SearchParams{K: 100})
				for _, m := range matches {
					if m.Entry.Version != snap[m.Entry.DocumentID] {
						t.Errorf("entry version %d disagrees with snapshot %d", m.Entry.Version, snap[m.Entry.DocumentID])
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
