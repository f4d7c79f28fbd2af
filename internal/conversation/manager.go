// Package conversation runs grounded chat sessions over ingested documents.
// Each conversation carries two memory tiers: a raw window of recent turns
// and a rolling summary the older turns fold into.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askdoc/askdoc/internal/engine"
	"github.com/askdoc/askdoc/internal/faults"
	"github.com/askdoc/askdoc/internal/retrieval"
	"github.com/askdoc/askdoc/internal/storage"
)

// Retriever selects the chunks grounding an answer.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope []string, budget retrieval.Budget) (retrieval.Result, error)
}

// Generator produces chat completions.
type Generator interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Options tunes a Manager.
type Options struct {
	ChatModel string
	// MaxRawTurns bounds the raw window; when it overflows, the oldest
	// half folds into the rolling summary.
	MaxRawTurns     int
	MaxPromptTokens int
	// GenerationTimeout bounds a single completion. On timeout the user
	// turn stays recorded and the caller gets a retryable error.
	GenerationTimeout time.Duration
	Budget            retrieval.Budget
	// AllowOwnerScope widens retrieval to all of the owner's ready
	// documents when a conversation pins none.
	AllowOwnerScope bool
}

// Reply is the outcome of one user turn.
type Reply struct {
	Turn    storage.Turn
	Sources []retrieval.ScoredChunk
}

// Export is a conversation's full readable state.
type Export struct {
	Conversation storage.Conversation `json:"conversation"`
	Turns        []storage.Turn       `json:"turns"`
}

// Manager serializes turns per conversation and owns the memory tiers.
type Manager struct {
	store     *storage.Store
	retriever Retriever
	generator Generator
	counter   retrieval.TokenCounter
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Manager. Zero option fields take defaults.
func New(store *storage.Store, retriever Retriever, generator Generator, counter retrieval.TokenCounter, opts Options) *Manager {
	if opts.MaxRawTurns <= 0 {
		opts.MaxRawTurns = 12
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 60 * time.Second
	}
	if opts.Budget.MaxChunks <= 0 {
		opts.Budget.MaxChunks = 6
	}
	if counter == nil {
		counter = retrieval.WordCounter{}
	}
	return &Manager{
		store:     store,
		retriever: retriever,
		generator: generator,
		counter:   counter,
		opts:      opts,
		logger:    slog.Default(),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) convLock(conversationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[conversationID] = lock
	}
	return lock
}

// Start opens a conversation scoped to the given documents. Every pinned
// document must exist and belong to the owner.
func (m *Manager) Start(ownerID string, documentIDs []string) (storage.Conversation, error) {
	for _, id := range documentIDs {
		doc, err := m.store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, faults.Validationf("document %s does not exist", id)
		}
		if err != nil {
			return storage.Conversation{}, err
		}
		if ownerID != "" && doc.OwnerID != ownerID {
			return storage.Conversation{}, faults.Validationf("document %s belongs to another owner", id)
		}
	}

	conv := storage.Conversation{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		State:       storage.ConvStateActive,
		DocumentIDs: documentIDs,
	}
	if err := m.store.CreateConversation(conv); err != nil {
		return storage.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}
	return m.store.GetConversation(conv.ID)
}

// SubmitUserTurn records the user's message, retrieves grounding chunks,
// generates the assistant's answer, and records it with citations. Turns on
// the same conversation are serialized; the user turn survives even when
// generation fails, so a retry continues from a consistent transcript.
func (m *Manager) SubmitUserTurn(ctx context.Context, conversationID, ownerID, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, faults.Validationf("turn text is empty")
	}

	lock := m.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := m.load(conversationID, ownerID)
	if err != nil {
		return Reply{}, err
	}
	if conv.State != storage.ConvStateActive {
		return Reply{}, faults.Validationf("conversation %s is archived", conversationID)
	}

	if _, err := m.store.AppendTurn(storage.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           storage.RoleUser,
		Content:        text,
	}); err != nil {
		return Reply{}, fmt.Errorf("recording user turn: %w", err)
	}

	turns, err := m.store.Turns(conversationID)
	if err != nil {
		return Reply{}, err
	}
	window := windowOf(turns, conv.SummaryThroughSeq)

	scope, err := m.scopeFor(conv)
	if err != nil {
		return Reply{}, err
	}

	result, err := m.retriever.Retrieve(ctx, retrievalQuery(window, text), scope, m.opts.Budget)
	if err != nil {
		return Reply{}, fmt.Errorf("retrieving context: %w", err)
	}

	// The window still includes the turn just appended; the prompt carries
	// it as the final user message instead.
	msgs := assembleMessages(conv.Summary, window[:len(window)-1], result.Chunks, text, m.counter, m.opts.MaxPromptTokens)

	genCtx, cancel := context.WithTimeout(ctx, m.opts.GenerationTimeout)
	defer cancel()
	answer, err := m.generator.Chat(genCtx, m.opts.ChatModel, msgs, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Reply{}, faults.Transient(fmt.Errorf("generation timed out after %s", m.opts.GenerationTimeout))
		}
		return Reply{}, fmt.Errorf("generating answer: %w", err)
	}

	assistantTurn, err := m.store.AppendTurn(storage.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           storage.RoleAssistant,
		Content:        answer,
		Citations:      extractCitations(answer, result.Chunks),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("recording assistant turn: %w", err)
	}

	m.maybeFold(ctx, conv, append(window, assistantTurn))

	return Reply{Turn: assistantTurn, Sources: result.Chunks}, nil
}

// scopeFor resolves the document scope for retrieval. Pinned documents win;
// an unpinned conversation falls back to the owner's ready documents when
// the deployment allows it, and otherwise matches nothing.
func (m *Manager) scopeFor(conv storage.Conversation) ([]string, error) {
	if len(conv.DocumentIDs) > 0 {
		return conv.DocumentIDs, nil
	}
	if m.opts.AllowOwnerScope {
		return m.store.ListReadyDocuments(conv.OwnerID)
	}
	return []string{}, nil
}

// retrievalQuery augments the current question with the most recent user
// question so follow-ups ("what about the second one?") still retrieve well.
func retrievalQuery(window []storage.Turn, text string) string {
	for i := len(window) - 2; i >= 0; i-- {
		if window[i].Role == storage.RoleUser {
			return window[i].Content + "\n" + text
		}
	}
	return text
}

// windowOf returns the turns not yet folded into the summary.
func windowOf(turns []storage.Turn, summaryThroughSeq int) []storage.Turn {
	for i, t := range turns {
		if t.Seq > summaryThroughSeq {
			return turns[i:]
		}
	}
	return nil
}

// maybeFold folds the oldest half of an overflowing window into the rolling
// summary in one generation call. Folding is best effort: on failure the
// window simply stays long and the next turn tries again.
func (m *Manager) maybeFold(ctx context.Context, conv storage.Conversation, window []storage.Turn) {
	if len(window) <= m.opts.MaxRawTurns {
		return
	}
	folded := window[:len(window)/2]

	genCtx, cancel := context.WithTimeout(ctx, m.opts.GenerationTimeout)
	defer cancel()
	resp, err := m.generator.Chat(genCtx, m.opts.ChatModel, []engine.Message{
		{Role: "user", Content: buildFoldPrompt(conv.Summary, folded)},
	}, summarySchema)
	if err != nil {
		m.logger.Warn("summary fold failed", "conversation", conv.ID, "error", err)
		return
	}

	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil || out.Summary == "" {
		m.logger.Warn("summary fold returned unusable output", "conversation", conv.ID, "error", err)
		return
	}

	through := folded[len(folded)-1].Seq
	if err := m.store.UpdateConversationSummary(conv.ID, out.Summary, through); err != nil {
		m.logger.Warn("persisting folded summary failed", "conversation", conv.ID, "error", err)
	}
}

// Export returns the conversation and its full turn history.
func (m *Manager) Export(conversationID, ownerID string) (Export, error) {
	conv, err := m.load(conversationID, ownerID)
	if err != nil {
		return Export{}, err
	}
	turns, err := m.store.Turns(conversationID)
	if err != nil {
		return Export{}, err
	}
	return Export{Conversation: conv, Turns: turns}, nil
}

// Archive transitions the conversation to read-only. Archiving twice is a
// no-op.
func (m *Manager) Archive(conversationID, ownerID string) error {
	if _, err := m.load(conversationID, ownerID); err != nil {
		return err
	}
	return m.store.ArchiveConversation(conversationID)
}

// Get returns the conversation after an ownership check.
func (m *Manager) Get(conversationID, ownerID string) (storage.Conversation, error) {
	return m.load(conversationID, ownerID)
}

func (m *Manager) load(conversationID, ownerID string) (storage.Conversation, error) {
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return storage.Conversation{}, err
	}
	if ownerID != "" && conv.OwnerID != ownerID {
		return storage.Conversation{}, faults.Validationf("conversation %s belongs to another owner", conversationID)
	}
	return conv, nil
}
