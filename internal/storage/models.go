package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses. Status transitions are driven by the ingestion
// coordinator; ready_version only ever advances.
const (
	DocStatusPending   = "pending"
	DocStatusIngesting = "ingesting"
	DocStatusReady     = "ready"
	DocStatusFailed    = "failed"
)

// Conversation states.
const (
	ConvStateActive   = "active"
	ConvStateArchived = "archived"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Document struct {
	ID           string
	OwnerID      string
	Language     string
	Status       string
	Version      int64 // version currently or last being ingested
	ReadyVersion int64 // latest Ready version; 0 = none
	FailureCause string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is one immutable slice of a document version, persisted together
// with its embedding. Superseded versions are retired wholesale, never
// edited.
type Chunk struct {
	ID           string
	DocumentID   string
	Version      int64
	Seq          int
	Start        int
	End          int
	Content      string
	Embedding    []float32
	ModelVersion string
	CreatedAt    time.Time
}

type Conversation struct {
	ID      string
	OwnerID string
	State   string
	Summary string
	// SummaryThroughSeq is the last turn sequence folded into Summary.
	// Turns with a higher sequence are still in the raw window.
	SummaryThroughSeq int
	DocumentIDs       []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Turn struct {
	ID             string
	ConversationID string
	Seq            int
	Role           string
	Content        string
	Citations      []string // chunk ids grounding an assistant turn
	CreatedAt      time.Time
}
