package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/askdoc/askdoc/internal/api"
	"github.com/askdoc/askdoc/internal/chunker"
	"github.com/askdoc/askdoc/internal/config"
	"github.com/askdoc/askdoc/internal/conversation"
	"github.com/askdoc/askdoc/internal/embedding"
	"github.com/askdoc/askdoc/internal/engine"
	"github.com/askdoc/askdoc/internal/extract"
	"github.com/askdoc/askdoc/internal/index"
	"github.com/askdoc/askdoc/internal/ingest"
	"github.com/askdoc/askdoc/internal/normalize"
	"github.com/askdoc/askdoc/internal/retrieval"
	"github.com/askdoc/askdoc/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the askdoc server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "askdoc version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// First run: mint a bearer token and persist it for the CLI.
	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken = uuid.NewString()
		if err := config.SetKey("api_token", apiToken); err != nil {
			return fmt.Errorf("persisting API token: %w", err)
		}
		slog.Info("generated API bearer token", "token", apiToken)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllama(cfg.Engine.BaseURL)
	if !eng.IsRunning(ctx) {
		printWarning("inference engine not reachable at %s; ingestion and answering will fail until it is up", cfg.Engine.BaseURL)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	embedder := embedding.New(eng, cfg.Engine.EmbedModel, embedding.Options{
		MaxBatch:    cfg.Embedding.MaxBatch,
		MaxAttempts: cfg.Embedding.MaxAttempts,
		Backoff:     time.Duration(cfg.Embedding.BackoffMs) * time.Millisecond,
		CallTimeout: time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
	})

	ix := index.New()
	coordinator := ingest.New(store, embedder, ix, chunker.Options{
		MaxChunkSize: cfg.Chunking.MaxChunkSize,
		Overlap:      cfg.Chunking.Overlap,
	})
	if err := coordinator.Rebuild(); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}

	var counter retrieval.TokenCounter
	counter, err = retrieval.NewTiktokenCounter("cl100k_base")
	if err != nil {
		slog.Warn("tokenizer unavailable, falling back to word counts", "error", err)
		counter = retrieval.WordCounter{}
	}

	planner := retrieval.NewPlanner(embedder, ix, counter, cfg.Retrieval.CandidateMultiplier, 0)

	conversations := conversation.New(store, planner, eng, counter, conversation.Options{
		ChatModel:         cfg.Engine.ChatModel,
		MaxRawTurns:       cfg.Conversation.MaxRawTurns,
		MaxPromptTokens:   cfg.Conversation.MaxPromptTokens,
		GenerationTimeout: time.Duration(cfg.Conversation.GenerationTimeoutMs) * time.Millisecond,
		Budget: retrieval.Budget{
			MaxChunks: cfg.Retrieval.TopK,
			MaxTokens: cfg.Retrieval.MaxContextTokens,
		},
		AllowOwnerScope: cfg.Retrieval.AllowOwnerScope,
	})

	handler := api.NewAppHandler(api.AppDeps{
		Store:         store,
		Ingest:        coordinator,
		Conversations: conversations,
		Extract:       extract.NewRegistry(),
		Normalize:     normalize.NewEngineNormalizer(eng, cfg.Engine.ChatModel),
		Token:         apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Retriever:     planner,
		Conversations: conversations,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "askdoc listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
