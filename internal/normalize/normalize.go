// Package normalize is the boundary to the language-normalization
// collaborator: detect the source language and produce English text for
// chunking and embedding.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/askdoc/askdoc/internal/engine"
)

// ErrNormalization marks unsupported or corrupt input.
var ErrNormalization = errors.New("normalization failed")

// Result is the collaborator's output.
type Result struct {
	Language string
	Text     string
}

// Normalizer detects the language of text and returns its English rendering.
type Normalizer interface {
	Normalize(ctx context.Context, text string) (Result, error)
}

// Passthrough assumes English input. Default when no chat model is
// configured for translation.
type Passthrough struct{}

func (Passthrough) Normalize(_ context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: empty text", ErrNormalization)
	}
	return Result{Language: "en", Text: text}, nil
}

// EngineNormalizer asks a chat model for detection and translation using
// structured output.
type EngineNormalizer struct {
	engine engine.Engine
	model  string
}

func NewEngineNormalizer(e engine.Engine, model string) *EngineNormalizer {
	return &EngineNormalizer{engine: e, model: model}
}

var normalizeSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"language": {Type: "string", Description: "ISO 639-1 code of the detected source language"},
		"english":  {Type: "string", Description: "The full text rendered in English"},
	},
	Required: []string{"language", "english"},
}

func (n *EngineNormalizer) Normalize(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: empty text", ErrNormalization)
	}

	prompt := "Detect the language of the following text. If it is not English, translate it to English; " +
		"if it is English, return it unchanged.\n\nText:\n" + text

	resp, err := n.engine.Chat(ctx, n.model, []engine.Message{{Role: "user", Content: prompt}}, normalizeSchema)
	if err != nil {
		return Result{}, fmt.Errorf("normalizing text: %w", err)
	}

	var out struct {
		Language string `json:"language"`
		English  string `json:"english"`
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return Result{}, fmt.Errorf("%w: unparseable detection response: %v", ErrNormalization, err)
	}
	if out.English == "" {
		return Result{}, fmt.Errorf("%w: empty translation", ErrNormalization)
	}
	if out.Language == "" {
		out.Language = "en"
	}
	return Result{Language: out.Language, Text: out.English}, nil
}
