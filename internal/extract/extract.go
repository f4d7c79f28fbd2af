// Package extract turns uploaded byte streams into plain text. It is the
// in-process default for the text-extraction collaborator; the API accepts
// pre-extracted text as well.
package extract

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/askdoc/askdoc/internal/faults"
)

// Extractor converts one document format to plain text.
type Extractor interface {
	// SupportedTypes lists the MIME types this extractor handles.
	SupportedTypes() []string
	Extract(ctx context.Context, r io.Reader) (string, error)
}

// Registry routes content types to extractors.
type Registry struct {
	byType map[string]Extractor
}

// NewRegistry builds a registry with the default extractors: plain text,
// PDF, and HTML.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Extractor)}
	for _, e := range []Extractor{&Plaintext{}, &PDF{}, &HTML{}} {
		r.Register(e)
	}
	return r
}

// Register adds an extractor for its supported types, replacing any previous
// registration.
func (r *Registry) Register(e Extractor) {
	for _, t := range e.SupportedTypes() {
		r.byType[t] = e
	}
}

// Extract converts content of the given MIME type to plain text. Unknown
// types are a validation error. Parameters after ";" in the content type are
// ignored.
func (r *Registry) Extract(ctx context.Context, contentType string, body io.Reader) (string, error) {
	mime := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "" {
		mime = "text/plain"
	}

	e, ok := r.byType[mime]
	if !ok {
		return "", faults.Validationf("unsupported content type %q", contentType)
	}

	text, err := e.Extract(ctx, body)
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", mime, err)
	}
	return text, nil
}

// Plaintext passes bytes through unchanged.
type Plaintext struct{}

func (*Plaintext) SupportedTypes() []string {
	return []string{"text/plain", "text/markdown"}
}

func (*Plaintext) Extract(_ context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
