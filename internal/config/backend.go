package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// Backend abstracts config storage. The default is a flat JSON object in an
// XDG-compatible path; tests substitute an in-memory map.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetBool(key string) (val bool, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
}

// fileBackend stores config as a flat JSON object.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend() Backend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]any)}
	b.load()
	return b
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "askdoc", "config.json")
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v), true, nil
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("unexpected type %T for %s", v, key)
	}
}

func (b *fileBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return false, false, nil
	}
	switch val := v.(type) {
	case bool:
		return val, true, nil
	case string:
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			return false, true, fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		return parsed, true, nil
	default:
		return false, true, fmt.Errorf("unexpected type %T for %s", v, key)
	}
}

func (b *fileBackend) SetString(key, val string) error {
	b.data[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return b.save()
}

var stringKeyNames = []string{"api_token", "engine_url", "chat_model", "embed_model", "data_dir", "log_level"}
var intKeyNames = []string{"port", "max_chunk_size", "chunk_overlap", "embed_max_batch", "embed_max_attempts", "retrieval_topk", "retrieval_candidate_multiplier", "retrieval_max_context_tokens", "conversation_max_raw_turns", "conversation_max_prompt_tokens"}
var boolKeyNames = []string{"retrieval_allow_owner_scope"}

// SetKey writes one config value to the persistent backend, validating the
// key name and type.
func SetKey(key, value string) error {
	b := newFileBackend()
	for _, k := range intKeyNames {
		if k == key {
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s expects an integer: %w", key, err)
			}
			return b.SetInt(key, i)
		}
	}
	for _, k := range boolKeyNames {
		if k == key {
			if _, err := strconv.ParseBool(value); err != nil {
				return fmt.Errorf("%s expects a boolean: %w", key, err)
			}
			return b.SetString(key, value)
		}
	}
	for _, k := range stringKeyNames {
		if k == key {
			return b.SetString(key, value)
		}
	}
	return fmt.Errorf("unknown config key %q", key)
}

// KV is one config entry for display.
type KV struct {
	Key   string
	Value string
}

// ShowAll renders the effective configuration in a stable order. The API
// token is masked.
func ShowAll(cfg Config) []KV {
	token := cfg.Server.APIToken
	if token != "" {
		token = "********"
	}
	return []KV{
		{"port", strconv.Itoa(cfg.Server.Port)},
		{"api_token", token},
		{"engine_url", cfg.Engine.BaseURL},
		{"chat_model", cfg.Engine.ChatModel},
		{"embed_model", cfg.Engine.EmbedModel},
		{"data_dir", cfg.Storage.DataDir},
		{"log_level", cfg.Log.Level},
		{"max_chunk_size", strconv.Itoa(cfg.Chunking.MaxChunkSize)},
		{"chunk_overlap", strconv.Itoa(cfg.Chunking.Overlap)},
		{"embed_max_batch", strconv.Itoa(cfg.Embedding.MaxBatch)},
		{"embed_max_attempts", strconv.Itoa(cfg.Embedding.MaxAttempts)},
		{"retrieval_topk", strconv.Itoa(cfg.Retrieval.TopK)},
		{"retrieval_candidate_multiplier", strconv.Itoa(cfg.Retrieval.CandidateMultiplier)},
		{"retrieval_max_context_tokens", strconv.Itoa(cfg.Retrieval.MaxContextTokens)},
		{"retrieval_allow_owner_scope", strconv.FormatBool(cfg.Retrieval.AllowOwnerScope)},
		{"conversation_max_raw_turns", strconv.Itoa(cfg.Conversation.MaxRawTurns)},
		{"conversation_max_prompt_tokens", strconv.Itoa(cfg.Conversation.MaxPromptTokens)},
	}
}

// applyBackend copies backend values onto cfg. Unknown or malformed values
// fall back to defaults with the error surfaced to the caller.
func applyBackend(cfg *Config, b Backend) error {
	stringKeys := []struct {
		key string
		dst *string
	}{
		{"api_token", &cfg.Server.APIToken},
		{"engine_url", &cfg.Engine.BaseURL},
		{"chat_model", &cfg.Engine.ChatModel},
		{"embed_model", &cfg.Engine.EmbedModel},
		{"data_dir", &cfg.Storage.DataDir},
		{"log_level", &cfg.Log.Level},
	}
	for _, sk := range stringKeys {
		v, ok, err := b.GetString(sk.key)
		if err != nil {
			return fmt.Errorf("reading config key %s: %w", sk.key, err)
		}
		if ok && v != "" {
			*sk.dst = v
		}
	}

	intKeys := []struct {
		key string
		dst *int
	}{
		{"port", &cfg.Server.Port},
		{"max_chunk_size", &cfg.Chunking.MaxChunkSize},
		{"chunk_overlap", &cfg.Chunking.Overlap},
		{"embed_max_batch", &cfg.Embedding.MaxBatch},
		{"embed_max_attempts", &cfg.Embedding.MaxAttempts},
		{"retrieval_topk", &cfg.Retrieval.TopK},
		{"retrieval_candidate_multiplier", &cfg.Retrieval.CandidateMultiplier},
		{"retrieval_max_context_tokens", &cfg.Retrieval.MaxContextTokens},
		{"conversation_max_raw_turns", &cfg.Conversation.MaxRawTurns},
		{"conversation_max_prompt_tokens", &cfg.Conversation.MaxPromptTokens},
	}
	for _, ik := range intKeys {
		v, ok, err := b.GetInt(ik.key)
		if err != nil {
			return fmt.Errorf("reading config key %s: %w", ik.key, err)
		}
		if ok && v > 0 {
			*ik.dst = v
		}
	}

	if v, ok, err := b.GetBool("retrieval_allow_owner_scope"); err != nil {
		return fmt.Errorf("reading config key retrieval_allow_owner_scope: %w", err)
	} else if ok {
		cfg.Retrieval.AllowOwnerScope = v
	}

	return nil
}
