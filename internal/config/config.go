package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Engine       EngineConfig
	Storage      StorageConfig
	Chunking     ChunkingConfig
	Embedding    EmbeddingConfig
	Retrieval    RetrievalConfig
	Conversation ConversationConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type EngineConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	MaxChunkSize int
	Overlap      int
}

type EmbeddingConfig struct {
	MaxBatch    int
	MaxAttempts int
	BackoffMs   int
	TimeoutMs   int
}

type RetrievalConfig struct {
	TopK                int
	CandidateMultiplier int
	MaxContextTokens    int
	// AllowOwnerScope lets a conversation with no attached documents fall
	// back to every Ready document of its owner.
	AllowOwnerScope bool
}

type ConversationConfig struct {
	MaxRawTurns         int
	MaxPromptTokens     int
	GenerationTimeoutMs int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Engine: EngineConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			MaxChunkSize: 1000,
			Overlap:      150,
		},
		Embedding: EmbeddingConfig{
			MaxBatch:    32,
			MaxAttempts: 4,
			BackoffMs:   250,
			TimeoutMs:   30000,
		},
		Retrieval: RetrievalConfig{
			TopK:                6,
			CandidateMultiplier: 4,
			MaxContextTokens:    3000,
			AllowOwnerScope:     false,
		},
		Conversation: ConversationConfig{
			MaxRawTurns:         12,
			MaxPromptTokens:     6000,
			GenerationTimeoutMs: 60000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "askdoc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./askdoc-data"
	}
	return filepath.Join(home, ".local", "share", "askdoc")
}

// Load reads configuration from an optional .env file, the JSON file backend
// at $XDG_CONFIG_HOME/askdoc/config.json, and ASKDOC_* environment variables.
// Environment variables override backend values.
func Load() (Config, error) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.APIToken, "ASKDOC_API_TOKEN")
	setInt(&cfg.Server.Port, "ASKDOC_PORT")
	setString(&cfg.Engine.BaseURL, "ASKDOC_ENGINE_URL")
	setString(&cfg.Engine.ChatModel, "ASKDOC_CHAT_MODEL")
	setString(&cfg.Engine.EmbedModel, "ASKDOC_EMBED_MODEL")
	setString(&cfg.Storage.DataDir, "ASKDOC_DATA_DIR")
	setInt(&cfg.Chunking.MaxChunkSize, "ASKDOC_MAX_CHUNK_SIZE")
	setInt(&cfg.Chunking.Overlap, "ASKDOC_CHUNK_OVERLAP")
	setInt(&cfg.Retrieval.TopK, "ASKDOC_RETRIEVAL_TOPK")
	setBool(&cfg.Retrieval.AllowOwnerScope, "ASKDOC_ALLOW_OWNER_SCOPE")
	setString(&cfg.Log.Level, "ASKDOC_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
