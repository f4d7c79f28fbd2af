package main

import (
	"strings"
	"testing"
)

func TestIngestRequiresInput(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ingest"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--text or --file") {
		t.Fatalf("err = %v, want input flag requirement", err)
	}
}

func TestFileContentType(t *testing.T) {
	tests := []struct {
		name         string
		wantType     string
		wantEncoding string
	}{
		{"handbook.pdf", "application/pdf", "base64"},
		{"report.HTML", "text/html", ""},
		{"notes.md", "text/markdown", ""},
		{"plain.txt", "text/plain", ""},
		{"no-extension", "text/plain", ""},
	}
	for _, tt := range tests {
		gotType, gotEncoding := fileContentType(tt.name)
		if gotType != tt.wantType || gotEncoding != tt.wantEncoding {
			t.Errorf("fileContentType(%q) = (%q, %q), want (%q, %q)",
				tt.name, gotType, gotEncoding, tt.wantType, tt.wantEncoding)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "hello"); strings.Contains(got, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", got)
	}

	noColor = false
	if got := colorize(colorGreen, "hello"); !strings.Contains(got, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}
