package tokens

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates the token cost of a piece of prompt text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a tiktoken codec (cl100k_base).
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter returns a cl100k_base counter, or an error when the
// encoding tables cannot be loaded.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{codec: codec}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return heuristicCount(text)
	}
	return len(ids)
}

// HeuristicCounter approximates tokens as len(text)/4, the rule of thumb
// used when no codec is available.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return heuristicCount(text)
}

func heuristicCount(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

var (
	defaultCounter     Counter
	defaultCounterOnce sync.Once
)

// Default returns the shared counter, preferring tiktoken and falling back
// to the heuristic when the codec cannot be constructed.
func Default() Counter {
	defaultCounterOnce.Do(func() {
		c, err := NewTiktokenCounter()
		if err != nil {
			log.Warn().Err(err).Msg("tokens: tiktoken codec unavailable, using chars/4 heuristic")
			defaultCounter = HeuristicCounter{}
			return
		}
		defaultCounter = c
	})
	return defaultCounter
}

// Estimate counts text with the shared counter.
func Estimate(text string) int {
	return Default().Count(text)
}
