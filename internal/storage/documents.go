package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateDocument inserts a new document in Pending status.
func (s *Store) CreateDocument(doc Document) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO documents (id, owner_id, language, status, version, ready_version, failure_cause, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Language, DocStatusPending, doc.Version, doc.ReadyVersion, "", now, now)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns the document or ErrNotFound.
func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_id, language, status, version, ready_version, failure_cause, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// ListReadyDocuments returns the ids of the owner's documents with a Ready
// version. Used for owner-scope retrieval fallback.
func (s *Store) ListReadyDocuments(ownerID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM documents WHERE owner_id = ? AND ready_version > 0 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing ready documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReserveDocumentVersion allocates and persists the next ingestion version
// for the document, so overlapping accepts of the same document never share
// a version.
func (s *Store) ReserveDocumentVersion(id string) (int64, error) {
	row := s.db.QueryRow(`
		UPDATE documents SET version = version + 1, updated_at = ? WHERE id = ? RETURNING version`,
		now(), id)
	var v int64
	err := row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reserving version for %s: %w", id, err)
	}
	return v, nil
}

// SetDocumentIngesting transitions the document into Ingesting for the given
// version and clears any previous failure cause. The version column is the
// allocation high-water mark; an ingestion of an older reserved version must
// not lower it.
func (s *Store) SetDocumentIngesting(id string, version int64) error {
	return s.updateDocument(id, `
		UPDATE documents SET status = ?, version = MAX(version, ?), failure_cause = '', updated_at = ? WHERE id = ?`,
		DocStatusIngesting, version, now(), id)
}

// SetDocumentReady marks version as the document's Ready version.
func (s *Store) SetDocumentReady(id string, version int64) error {
	return s.updateDocument(id, `
		UPDATE documents SET status = ?, version = MAX(version, ?), ready_version = ?, failure_cause = '', updated_at = ? WHERE id = ?`,
		DocStatusReady, version, version, now(), id)
}

// SetDocumentFailed records the failure cause. The ready_version is left
// untouched so prior content stays queryable.
func (s *Store) SetDocumentFailed(id string, version int64, cause string) error {
	if cause == "" {
		cause = "unknown failure"
	}
	return s.updateDocument(id, `
		UPDATE documents SET status = ?, version = MAX(version, ?), failure_cause = ?, updated_at = ? WHERE id = ?`,
		DocStatusFailed, version, cause, now(), id)
}

func (s *Store) updateDocument(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceChunks atomically replaces all persisted chunks for
// (documentID, version). Re-running an ingestion for the same version leaves
// an identical row set.
func (s *Store) ReplaceChunks(documentID string, version int64, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk replace: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ? AND version = ?`, documentID, version); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing chunks for %s v%d: %w", documentID, version, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, version, seq, start_offset, end_offset, content, embedding, model_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, documentID, version, c.Seq, c.Start, c.End, c.Content,
			encodeFloat32s(c.Embedding), c.ModelVersion, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// ChunksForVersion returns the chunks of one document version in sequence
// order.
func (s *Store) ChunksForVersion(documentID string, version int64) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, version, seq, start_offset, end_offset, content, embedding, model_version, created_at
		FROM chunks WHERE document_id = ? AND version = ? ORDER BY seq`, documentID, version)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s v%d: %w", documentID, version, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ReadyChunks streams every chunk belonging to a Ready document version.
// Used to rebuild the vector index on startup.
func (s *Store) ReadyChunks() ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.document_id, c.version, c.seq, c.start_offset, c.end_offset, c.content, c.embedding, c.model_version, c.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id AND d.ready_version = c.version
		ORDER BY c.document_id, c.seq`)
	if err != nil {
		return nil, fmt.Errorf("querying ready chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// PruneRetired lazily garbage-collects chunks from versions older than
// keepVersion.
func (s *Store) PruneRetired(documentID string, keepVersion int64) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE document_id = ? AND version < ?`, documentID, keepVersion)
	if err != nil {
		return fmt.Errorf("pruning retired chunks for %s: %w", documentID, err)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Version, &c.Seq, &c.Start, &c.End, &c.Content, &blob, &c.ModelVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", c.ID, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.OwnerID, &d.Language, &d.Status, &d.Version, &d.ReadyVersion, &d.FailureCause, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("scanning document: %w", err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
