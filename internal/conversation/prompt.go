package conversation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/askdoc/askdoc/internal/engine"
	"github.com/askdoc/askdoc/internal/retrieval"
	"github.com/askdoc/askdoc/internal/storage"
)

const answerInstructions = `You answer questions about the user's documents.
Use only the sources below. When a statement comes from a source, cite it
with its bracketed label, for example [S1] or [S2]. If the sources do not
cover the question, say so instead of guessing.`

// sourceLabel returns the inline citation label for the i-th retrieved chunk.
func sourceLabel(i int) string {
	return fmt.Sprintf("S%d", i+1)
}

// buildSources renders retrieved chunks as labelled source blocks.
func buildSources(chunks []retrieval.ScoredChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Sources:\n")
	for i, ch := range chunks {
		fmt.Fprintf(&sb, "[%s] (document %s)\n%s\n\n", sourceLabel(i), ch.DocumentID, ch.Text)
	}
	return sb.String()
}

// assembleMessages builds the chat transcript sent to the model: a system
// message carrying instructions, sources, and the rolling summary, followed
// by the raw turn window and the current question. Older window turns are
// dropped first when the token budget is tight; the system message and the
// question are always kept.
func assembleMessages(summary string, window []storage.Turn, chunks []retrieval.ScoredChunk, question string, counter retrieval.TokenCounter, maxTokens int) []engine.Message {
	var sys strings.Builder
	sys.WriteString(answerInstructions)
	if summary != "" {
		sys.WriteString("\n\nConversation so far:\n")
		sys.WriteString(summary)
	}
	if src := buildSources(chunks); src != "" {
		sys.WriteString("\n\n")
		sys.WriteString(src)
	}

	spent := counter.Count(sys.String()) + counter.Count(question)

	// Walk the window newest-first so the most recent exchange survives
	// truncation, then restore order.
	var kept []storage.Turn
	for i := len(window) - 1; i >= 0; i-- {
		cost := counter.Count(window[i].Content)
		if maxTokens > 0 && spent+cost > maxTokens {
			break
		}
		spent += cost
		kept = append(kept, window[i])
	}

	msgs := make([]engine.Message, 0, len(kept)+2)
	msgs = append(msgs, engine.Message{Role: "system", Content: sys.String()})
	for i := len(kept) - 1; i >= 0; i-- {
		role := "user"
		if kept[i].Role == storage.RoleAssistant {
			role = "assistant"
		}
		msgs = append(msgs, engine.Message{Role: role, Content: kept[i].Content})
	}
	return append(msgs, engine.Message{Role: "user", Content: question})
}

var citationMarker = regexp.MustCompile(`\[S(\d+)\]`)

// extractCitations maps the answer's [Sn] markers back to the chunk ids they
// label. Markers outside the retrieved set are dropped, so every returned
// citation refers to a chunk that grounded this answer. Order follows first
// appearance; duplicates collapse.
func extractCitations(answer string, chunks []retrieval.ScoredChunk) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(chunks) {
			continue
		}
		id := chunks[n-1].ChunkID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

const summaryInstructions = `Condense the conversation below into a compact
summary that preserves every fact, decision, and open question a future
answer might need. Merge it with the previous summary if one is given.
Write plain prose, third person.`

var summarySchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"summary": {Type: "string", Description: "The merged conversation summary"},
	},
	Required: []string{"summary"},
}

// buildFoldPrompt renders the folding request: the previous summary plus the
// turns leaving the raw window.
func buildFoldPrompt(previous string, folded []storage.Turn) string {
	var sb strings.Builder
	sb.WriteString(summaryInstructions)
	if previous != "" {
		sb.WriteString("\n\nPrevious summary:\n")
		sb.WriteString(previous)
	}
	sb.WriteString("\n\nTurns to fold in:\n")
	for _, t := range folded {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	return sb.String()
}
