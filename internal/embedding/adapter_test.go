package embedding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/askdoc/askdoc/internal/engine"
	"github.com/askdoc/askdoc/internal/faults"
)

// fakeEngine embeds each text to a one-element vector derived from its
// content, optionally failing the first N calls.
type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failWith  error
}

func (f *fakeEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeEngine) IsRunning(context.Context) bool { return true }

func (f *fakeEngine) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failFirst {
		return nil, f.failWith
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := strconv.Atoi(t)
		vecs[i] = []float32{float32(v)}
	}
	return vecs, nil
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%d", i)
	}
	return out
}

func TestEmbedTexts_PreservesOrderAcrossBatches(t *testing.T) {
	a := New(&fakeEngine{}, "test-model", Options{MaxBatch: 3})

	in := texts(10)
	vecs, err := a.EmbedTexts(context.Background(), in)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(vecs) != len(in) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(in))
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(i) {
			t.Errorf("vector %d = %v, want [%d]", i, v, i)
		}
	}
}

func TestEmbedTexts_RetriesTransientFailure(t *testing.T) {
	eng := &fakeEngine{failFirst: 2, failWith: faults.Transient(errors.New("rate limited"))}
	a := New(eng, "test-model", Options{MaxBatch: 10, MaxAttempts: 4, Backoff: time.Millisecond})

	vecs, err := a.EmbedTexts(context.Background(), texts(4))
	if err != nil {
		t.Fatalf("EmbedTexts after retries: %v", err)
	}
	if len(vecs) != 4 {
		t.Fatalf("got %d vectors, want 4", len(vecs))
	}
	if eng.calls != 3 {
		t.Errorf("engine called %d times, want 3 (2 failures + 1 success)", eng.calls)
	}
}

func TestEmbedTexts_ExhaustsRetryBudget(t *testing.T) {
	eng := &fakeEngine{failFirst: 100, failWith: faults.Transient(errors.New("timeout"))}
	a := New(eng, "test-model", Options{MaxBatch: 10, MaxAttempts: 3, Backoff: time.Millisecond})

	_, err := a.EmbedTexts(context.Background(), texts(2))
	if !faults.IsExhausted(err) {
		t.Fatalf("err = %v, want retry exhaustion", err)
	}
	if eng.calls != 3 {
		t.Errorf("engine called %d times, want exactly MaxAttempts (3)", eng.calls)
	}
}

func TestEmbedTexts_NonTransientFailsImmediately(t *testing.T) {
	eng := &fakeEngine{failFirst: 100, failWith: errors.New("bad model name")}
	a := New(eng, "test-model", Options{MaxBatch: 10, MaxAttempts: 5, Backoff: time.Millisecond})

	_, err := a.EmbedTexts(context.Background(), texts(2))
	if err == nil {
		t.Fatal("expected error")
	}
	if faults.IsExhausted(err) {
		t.Fatalf("non-transient error should not be retried to exhaustion: %v", err)
	}
	if eng.calls != 1 {
		t.Errorf("engine called %d times, want 1", eng.calls)
	}
}

func TestEmbedTexts_Empty(t *testing.T) {
	a := New(&fakeEngine{}, "test-model", Options{})
	vecs, err := a.EmbedTexts(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", vecs, err)
	}
}
