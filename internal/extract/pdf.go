package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// PDF extracts plain text from PDF bytes.
type PDF struct{}

func (*PDF) SupportedTypes() []string {
	return []string{"application/pdf"}
}

func (*PDF) Extract(_ context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading pdf body: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}

	var out bytes.Buffer
	total := reader.NumPage()
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extracting pdf page %d: %w", pageNum, err)
		}
		out.WriteString(text)
		out.WriteString("\n\n")
	}
	return out.String(), nil
}
