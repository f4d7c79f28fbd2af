package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/askdoc/askdoc/internal/conversation"
	"github.com/askdoc/askdoc/internal/retrieval"
)

// MCPRetriever abstracts chunk retrieval for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query string, scope []string, budget retrieval.Budget) (retrieval.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Retriever     MCPRetriever
	Conversations *conversation.Manager
}

// NewMCPServer creates an MCP server exposing document search and grounded
// question answering.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"askdoc",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("askdoc — ask questions about ingested documents with cited answers."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the ingested documents and return matching chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of chunks (default 5)")),
			mcp.WithArray("document_ids", mcp.Description("Optional document ids to search within")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question about the ingested documents. Answers cite the chunks they rest on. Pass conversation_id to continue an earlier exchange."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Existing conversation to continue")),
			mcp.WithArray("document_ids", mcp.Description("Documents to scope a new conversation to")),
		),
		mcpAsk(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		scope := req.GetStringSlice("document_ids", nil)

		result, err := deps.Retriever.Retrieve(ctx, query, scope, retrieval.Budget{MaxChunks: limit})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(result.Chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ChunkID    string  `json:"chunk_id"`
			DocumentID string  `json:"document_id"`
			Start      int     `json:"start"`
			End        int     `json:"end"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}

		results := make([]chunkResult, len(result.Chunks))
		for i, c := range result.Chunks {
			results[i] = chunkResult{
				ChunkID:    c.ChunkID,
				DocumentID: c.DocumentID,
				Start:      c.Start,
				End:        c.End,
				Text:       c.Text,
				Score:      c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		convID := req.GetString("conversation_id", "")
		if convID == "" {
			scope := req.GetStringSlice("document_ids", nil)
			conv, err := deps.Conversations.Start("", scope)
			if err != nil {
				return mcpError(fmt.Sprintf("starting conversation: %v", err)), nil
			}
			convID = conv.ID
		}

		reply, err := deps.Conversations.SubmitUserTurn(ctx, convID, "", question)
		if err != nil {
			return mcpError(fmt.Sprintf("answering failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"conversation_id": convID,
			"answer":          reply.Turn.Content,
			"citations":       reply.Turn.Citations,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
