package retrieval

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text against token budgets. The planner and the
// conversation manager share one counter so their budgets agree.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// WordCounter approximates tokens by whitespace-separated words. Fallback
// for when the BPE vocabulary cannot be loaded, and the counter tests use.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}
