package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/askdoc/askdoc/internal/faults"
)

func TestRegistry_RoutesByContentType(t *testing.T) {
	r := NewRegistry()

	text, err := r.Extract(context.Background(), "text/plain; charset=utf-8", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Extract plain: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}

	if _, err := r.Extract(context.Background(), "application/zip", strings.NewReader("")); !faults.IsValidation(err) {
		t.Fatalf("err = %v, want validation error for unsupported type", err)
	}
}

func TestRegistry_DefaultsToPlainText(t *testing.T) {
	r := NewRegistry()
	text, err := r.Extract(context.Background(), "", strings.NewReader("raw bytes"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "raw bytes" {
		t.Errorf("text = %q", text)
	}
}

func TestHTML_ExtractsVisibleText(t *testing.T) {
	doc := `<html><head><title>t</title><style>body{color:red}</style></head>
<body><h1>Heading</h1><p>First paragraph.</p><script>alert(1)</script>
<p>Second <b>bold</b> paragraph.</p></body></html>`

	text, err := (&HTML{}).Extract(context.Background(), strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(text, "alert") || strings.Contains(text, "color:red") {
		t.Errorf("script/style leaked into text: %q", text)
	}
	for _, want := range []string{"Heading", "First paragraph.", "Second bold paragraph."} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in %q", want, text)
		}
	}
	if !strings.Contains(text, "\n\n") {
		t.Errorf("no paragraph breaks in %q", text)
	}
}
