package extract

import (
	"context"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// HTML extracts visible text from HTML, dropping markup, scripts, and
// styles. Block elements become paragraph breaks so the chunker can find
// boundaries.
type HTML struct{}

func (*HTML) SupportedTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

// blockTags are elements whose close emits a paragraph break.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true, "br": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
}

func (*HTML) Extract(_ context.Context, r io.Reader) (string, error) {
	z := html.NewTokenizer(r)

	var out strings.Builder
	skipDepth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return collapse(out.String()), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipTags[string(name)] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] && skipDepth > 0 {
				skipDepth--
			}
			if skipDepth == 0 && blockTags[tag] {
				out.WriteString("\n\n")
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if skipDepth == 0 && blockTags[string(name)] {
				out.WriteString("\n\n")
			}
		case html.TextToken:
			if skipDepth == 0 {
				out.Write(z.Text())
			}
		}
	}
}

// collapse trims trailing whitespace per line and squeezes runs of blank
// lines down to one paragraph break.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
