// Package engine abstracts the opaque ML collaborators: answer generation
// and embedding. Implementations may be a local Ollama instance, any
// OpenAI-compatible server, or a stub in tests.
package engine

import (
	"context"
	"errors"
)

// Engine is the inference boundary. Both calls are I/O-bound and must honor
// ctx cancellation; callers attach their own timeouts.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's
	// response. When jsonSchema is non-nil, structured JSON output is
	// requested.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool
}

// ErrRejected marks a generation the backend refused (e.g. content policy).
// Recoverable: the caller may rephrase and retry, but the engine will not.
var ErrRejected = errors.New("generation rejected")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat
// responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}
