// Package tokens provides token-count estimation used for pre-flight
// context-window checks and metrics labeling across model providers.
package tokens

import (
	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates token counts for text sent to or received from an LLM.
// Every provider's real tokenizer differs slightly; GPT-4's BPE is used as
// a close, cheap-to-compute approximation across all of them.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter builds a token counter. It never fails outright: when the
// codec can't be constructed, Count falls back to a character-based
// estimate instead of propagating the error to every call site.
func NewCounter() *Counter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &Counter{}
	}
	return &Counter{codec: codec}
}

// Count returns the estimated number of tokens in text.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		return estimateByLength(text)
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return estimateByLength(text)
	}
	return n
}

// FitsWithin reports whether text is at or under the given token budget.
func (c *Counter) FitsWithin(text string, limit int) bool {
	return c.Count(text) <= limit
}

func estimateByLength(text string) int {
	return len(text) / 4
}

// CountSimple estimates the token count of text without requiring a Counter
// instance. Convenient for one-off calls such as metrics labeling.
func CountSimple(text string) int {
	return NewCounter().Count(text)
}
