// Package ingest drives a document version from normalized text to fully
// indexed: chunking, embedding, persistence, and atomic index publication.
//
// All writes for one document are serialized through a per-document lock so
// version upserts reach the index in increasing order; independent documents
// ingest with full parallelism.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/askdoc/askdoc/internal/chunker"
	"github.com/askdoc/askdoc/internal/faults"
	"github.com/askdoc/askdoc/internal/index"
	"github.com/askdoc/askdoc/internal/storage"
)

// rebuildParallelism bounds concurrent per-document republication on startup.
const rebuildParallelism = 4

// Embedder is the slice of the embedding adapter the coordinator needs.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	ModelVersion() string
}

// Indexer is the vector index write path.
type Indexer interface {
	Upsert(documentID string, version int64, entries []index.Entry) error
	Retire(documentID string, version int64)
}

// Coordinator owns document ingestion state transitions.
type Coordinator struct {
	store    *storage.Store
	embedder Embedder
	indexer  Indexer
	chunking chunker.Options
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Coordinator.
func New(store *storage.Store, embedder Embedder, indexer Indexer, chunking chunker.Options) *Coordinator {
	return &Coordinator{
		store:    store,
		embedder: embedder,
		indexer:  indexer,
		chunking: chunking,
		logger:   slog.Default(),
	}
}

// docLock returns the lock serializing all ingestion for one document.
func (c *Coordinator) docLock(documentID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[documentID]
	if !ok {
		if c.locks == nil {
			c.locks = make(map[string]*sync.Mutex)
		}
		l = &sync.Mutex{}
		c.locks[documentID] = l
	}
	return l
}

// Accept validates an ingestion request, registers the document if it is
// new, and reserves the version the ingestion will produce. The reservation
// is persisted, so a second accept of the same document gets its own version
// even before the first one starts ingesting. It does not start the
// pipeline; call Ingest with the returned version.
func (c *Coordinator) Accept(documentID, ownerID, text, language string) (int64, error) {
	if documentID == "" {
		return 0, faults.Validationf("document id is required")
	}
	if strings.TrimSpace(text) == "" {
		return 0, faults.Validationf("document text is empty")
	}

	lock := c.docLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := c.store.GetDocument(documentID)
	if errors.Is(err, storage.ErrNotFound) {
		if language == "" {
			language = "en"
		}
		if err := c.store.CreateDocument(storage.Document{ID: documentID, OwnerID: ownerID, Language: language}); err != nil {
			return 0, err
		}
		return c.store.ReserveDocumentVersion(documentID)
	}
	if err != nil {
		return 0, err
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return 0, faults.Validationf("document %s belongs to another owner", documentID)
	}
	return c.store.ReserveDocumentVersion(documentID)
}

// Ingest runs the pipeline for (documentID, version): chunk, embed, persist,
// publish to the index, retire the previous version. Idempotent per version:
// re-ingesting a version that is already Ready is a no-op. On failure at any
// stage the document is marked Failed with the cause recorded, and any
// previously Ready version stays queryable.
func (c *Coordinator) Ingest(ctx context.Context, documentID string, text string, version int64) error {
	lock := c.docLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := c.store.GetDocument(documentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}

	if version == doc.ReadyVersion {
		c.logger.Debug("version already ready, skipping", "document", documentID, "version", version)
		return nil
	}
	if version < doc.ReadyVersion {
		return faults.Consistencyf("ingest for document %s version %d behind ready version %d", documentID, version, doc.ReadyVersion)
	}
	if strings.TrimSpace(text) == "" {
		return faults.Validationf("document text is empty")
	}

	if err := c.store.SetDocumentIngesting(documentID, version); err != nil {
		return err
	}

	prevReady := doc.ReadyVersion
	if err := c.runPipeline(ctx, documentID, text, version); err != nil {
		c.logger.Warn("ingestion failed", "document", documentID, "version", version, "error", err)
		if failErr := c.store.SetDocumentFailed(documentID, version, err.Error()); failErr != nil {
			c.logger.Error("failed to record ingestion failure", "document", documentID, "error", failErr)
		}
		return err
	}

	if err := c.store.SetDocumentReady(documentID, version); err != nil {
		return err
	}
	if prevReady > 0 {
		c.indexer.Retire(documentID, prevReady)
		if err := c.store.PruneRetired(documentID, version); err != nil {
			// GC is lazy; a failed prune only delays space reclamation.
			c.logger.Warn("pruning retired chunks failed", "document", documentID, "error", err)
		}
	}

	c.logger.Info("document ready", "document", documentID, "version", version)
	return nil
}

// runPipeline performs the fallible stages: chunk, embed, persist, publish.
func (c *Coordinator) runPipeline(ctx context.Context, documentID, text string, version int64) error {
	pieces := chunker.Split(text, c.chunking)
	if len(pieces) == 0 {
		return faults.Validationf("chunking produced no chunks")
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	vectors, err := c.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(pieces), err)
	}

	modelVersion := c.embedder.ModelVersion()
	chunks := make([]storage.Chunk, len(pieces))
	entries := make([]index.Entry, len(pieces))
	for i, p := range pieces {
		id := uuid.New().String()
		chunks[i] = storage.Chunk{
			ID:           id,
			DocumentID:   documentID,
			Version:      version,
			Seq:          i,
			Start:        p.Start,
			End:          p.End,
			Content:      p.Text,
			Embedding:    vectors[i],
			ModelVersion: modelVersion,
		}
		entries[i] = index.Entry{
			ChunkID:      id,
			DocumentID:   documentID,
			Version:      version,
			Seq:          i,
			Start:        p.Start,
			End:          p.End,
			Text:         p.Text,
			ModelVersion: modelVersion,
			Vector:       vectors[i],
		}
	}

	if err := c.store.ReplaceChunks(documentID, version, chunks); err != nil {
		return fmt.Errorf("persisting chunks: %w", err)
	}

	if err := c.indexer.Upsert(documentID, version, entries); err != nil {
		return fmt.Errorf("publishing to index: %w", err)
	}
	return nil
}

// Rebuild republishes every Ready document version from storage into the
// index. Called once on startup.
func (c *Coordinator) Rebuild() error {
	chunks, err := c.store.ReadyChunks()
	if err != nil {
		return fmt.Errorf("loading ready chunks: %w", err)
	}

	byDoc := make(map[string][]index.Entry)
	versions := make(map[string]int64)
	for _, ch := range chunks {
		byDoc[ch.DocumentID] = append(byDoc[ch.DocumentID], index.Entry{
			ChunkID:      ch.ID,
			DocumentID:   ch.DocumentID,
			Version:      ch.Version,
			Seq:          ch.Seq,
			Start:        ch.Start,
			End:          ch.End,
			Text:         ch.Content,
			ModelVersion: ch.ModelVersion,
			Vector:       ch.Embedding,
		})
		versions[ch.DocumentID] = ch.Version
	}

	var g errgroup.Group
	g.SetLimit(rebuildParallelism)
	for docID, entries := range byDoc {
		g.Go(func() error {
			if err := c.indexer.Upsert(docID, versions[docID], entries); err != nil {
				return fmt.Errorf("rebuilding index for %s: %w", docID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("index rebuilt", "documents", len(byDoc), "chunks", len(chunks))
	return nil
}
