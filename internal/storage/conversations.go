package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateConversation inserts a new Active conversation.
func (s *Store) CreateConversation(conv Conversation) error {
	docIDs, err := json.Marshal(conv.DocumentIDs)
	if err != nil {
		return fmt.Errorf("marshalling document ids: %w", err)
	}
	ts := now()
	_, err = s.db.Exec(`
		INSERT INTO conversations (id, owner_id, state, summary, summary_through_seq, document_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, ConvStateActive, conv.Summary, conv.SummaryThroughSeq, string(docIDs), ts, ts)
	if err != nil {
		return fmt.Errorf("inserting conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation returns the conversation or ErrNotFound.
func (s *Store) GetConversation(id string) (Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, owner_id, state, summary, summary_through_seq, document_ids, created_at, updated_at
		FROM conversations WHERE id = ?`, id)

	var c Conversation
	var docIDs, createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.OwnerID, &c.State, &c.Summary, &c.SummaryThroughSeq, &docIDs, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("scanning conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(docIDs), &c.DocumentIDs); err != nil {
		return Conversation{}, fmt.Errorf("parsing document ids for %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// UpdateConversationSummary replaces the rolling summary and records the
// last turn sequence the new summary covers.
func (s *Store) UpdateConversationSummary(id, summary string, throughSeq int) error {
	return s.updateConversation(id, `UPDATE conversations SET summary = ?, summary_through_seq = ?, updated_at = ? WHERE id = ?`, summary, throughSeq, now(), id)
}

// ArchiveConversation transitions the conversation to read-only.
func (s *Store) ArchiveConversation(id string) error {
	return s.updateConversation(id, `UPDATE conversations SET state = ?, updated_at = ? WHERE id = ?`, ConvStateArchived, now(), id)
}

func (s *Store) updateConversation(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendTurn appends a turn with the next sequence number and returns the
// stored turn. Sequence assignment and insert share a transaction so turn
// order is gapless even if two writers race.
func (s *Store) AppendTurn(turn Turn) (Turn, error) {
	citations, err := json.Marshal(turn.Citations)
	if err != nil {
		return Turn{}, fmt.Errorf("marshalling citations: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Turn{}, fmt.Errorf("beginning turn append: %w", err)
	}

	var seq int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?`, turn.ConversationID).Scan(&seq); err != nil {
		tx.Rollback()
		return Turn{}, fmt.Errorf("computing turn sequence: %w", err)
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := tx.Exec(`
		INSERT INTO turns (id, conversation_id, seq, role, content, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, seq, turn.Role, turn.Content, string(citations), createdAt.Format(time.RFC3339)); err != nil {
		tx.Rollback()
		return Turn{}, fmt.Errorf("inserting turn %s: %w", turn.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, err
	}

	turn.Seq = seq
	turn.CreatedAt = createdAt
	return turn, nil
}

// Turns returns a conversation's turns in sequence order.
func (s *Store) Turns(conversationID string) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, seq, role, content, citations, created_at
		FROM turns WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying turns for %s: %w", conversationID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var citations, createdAt string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &t.Role, &t.Content, &citations, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if err := json.Unmarshal([]byte(citations), &t.Citations); err != nil {
			return nil, fmt.Errorf("parsing citations for %s: %w", t.ID, err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", t.ID, err)
		}
		t.CreatedAt = ts
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
