// Package api exposes the document and conversation surfaces over HTTP and
// MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/askdoc/askdoc/internal/conversation"
	"github.com/askdoc/askdoc/internal/engine"
	"github.com/askdoc/askdoc/internal/extract"
	"github.com/askdoc/askdoc/internal/faults"
	"github.com/askdoc/askdoc/internal/ingest"
	"github.com/askdoc/askdoc/internal/normalize"
	"github.com/askdoc/askdoc/internal/storage"
)

const maxUploadBodySize = 10 << 20 // 10MB
const maxRequestBodySize = 1 << 20 // 1MB

// ingestTimeout bounds one background ingestion run.
const ingestTimeout = 10 * time.Minute

type AppDeps struct {
	Store         *storage.Store
	Ingest        *ingest.Coordinator
	Conversations *conversation.Manager
	Extract       *extract.Registry
	Normalize     normalize.Normalizer
	Token         string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleUploadDocument(deps))
		r.Get("/documents/{id}", handleDocumentStatus(deps))

		r.Post("/conversations", handleStartConversation(deps))
		r.Post("/conversations/{id}/turns", handleSubmitTurn(deps))
		r.Get("/conversations/{id}/export", handleExportConversation(deps))
		r.Post("/conversations/{id}/archive", handleArchiveConversation(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type UploadRequest struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	// Encoding "base64" marks binary content (PDFs); default is raw text.
	Encoding string `json:"encoding"`
}

// handleUploadDocument accepts a document, registers the new version, and
// runs ingestion in the background. The response carries the version to poll
// for; posting the same content again for that version is harmless.
func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		body := strings.NewReader(req.Content)
		if req.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			body = strings.NewReader(string(decoded))
		}

		text, err := deps.Extract.Extract(r.Context(), req.ContentType, body)
		if err != nil {
			writeFaultError(w, err, "extracting text")
			return
		}

		norm, err := deps.Normalize.Normalize(r.Context(), text)
		if err != nil {
			writeFaultError(w, err, "normalizing text")
			return
		}

		docID := req.ID
		if docID == "" {
			docID = uuid.New().String()
		}

		version, err := deps.Ingest.Accept(docID, req.Owner, norm.Text, norm.Language)
		if err != nil {
			writeFaultError(w, err, "accepting document")
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
			defer cancel()
			if err := deps.Ingest.Ingest(ctx, docID, norm.Text, version); err != nil {
				slog.Error("background ingestion failed", "document", docID, "version", version, "error", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"id":      docID,
			"version": version,
			"status":  storage.DocStatusPending,
		})
	}
}

type DocumentStatusResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Version      int64  `json:"version"`
	ReadyVersion int64  `json:"ready_version"`
	FailureCause string `json:"failure_cause,omitempty"`
}

func handleDocumentStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DocumentStatusResponse{
			ID:           doc.ID,
			Status:       doc.Status,
			Version:      doc.Version,
			ReadyVersion: doc.ReadyVersion,
			FailureCause: doc.FailureCause,
		})
	}
}

type StartConversationRequest struct {
	Owner       string   `json:"owner"`
	DocumentIDs []string `json:"document_ids"`
}

func handleStartConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req StartConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		conv, err := deps.Conversations.Start(req.Owner, req.DocumentIDs)
		if err != nil {
			writeFaultError(w, err, "starting conversation")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(conv)
	}
}

type SubmitTurnRequest struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

type SubmitTurnResponse struct {
	Turn    storage.Turn  `json:"turn"`
	Sources []SourceChunk `json:"sources"`
}

// SourceChunk is the wire shape of one grounding chunk.
type SourceChunk struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Version    int64   `json:"version"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

func handleSubmitTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		id := chi.URLParam(r, "id")

		var req SubmitTurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		reply, err := deps.Conversations.SubmitUserTurn(r.Context(), id, req.Owner, req.Text)
		if err != nil {
			writeFaultError(w, err, "submitting turn")
			return
		}

		resp := SubmitTurnResponse{Turn: reply.Turn, Sources: make([]SourceChunk, len(reply.Sources))}
		for i, ch := range reply.Sources {
			resp.Sources[i] = SourceChunk{
				ChunkID:    ch.ChunkID,
				DocumentID: ch.DocumentID,
				Version:    ch.Version,
				Start:      ch.Start,
				End:        ch.End,
				Text:       ch.Text,
				Score:      ch.Score,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleExportConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		exp, err := deps.Conversations.Export(id, r.URL.Query().Get("owner"))
		if err != nil {
			writeFaultError(w, err, "exporting conversation")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(exp)
	}
}

func handleArchiveConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		id := chi.URLParam(r, "id")

		var req struct {
			Owner string `json:"owner"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		if err := deps.Conversations.Archive(id, req.Owner); err != nil {
			writeFaultError(w, err, "archiving conversation")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "archived"})
	}
}

// writeFaultError maps the error taxonomy onto HTTP status codes.
func writeFaultError(w http.ResponseWriter, err error, doing string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", doing, err)
	case faults.IsValidation(err):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", doing, err)
	case faults.IsConsistency(err):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", doing, err)
	case faults.IsExhausted(err), faults.IsTransient(err):
		httpError(w, http.StatusServiceUnavailable, "overloaded_error", "%s: %v", doing, err)
	case errors.Is(err, engine.ErrRejected):
		// The backend refused this generation; the turn can be retried.
		httpError(w, http.StatusServiceUnavailable, "overloaded_error", "%s: %v", doing, err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", doing, err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
