// Package tokens counts prompt tokens so conversation history can be trimmed
// to a budget before it is sent upstream.
package tokens

import (
	"fmt"
	"math"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Chat formatting overhead, following OpenAI's accounting for chat models.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
)

// Counter counts the tokens a chat message will consume.
type Counter interface {
	CountMessage(role, content string) int
}

// Tiktoken counts with a tiktoken encoding.
type Tiktoken struct {
	codec tokenizer.Codec
}

// NewTiktoken returns a counter for the named encoding, e.g. "cl100k_base"
// or "o200k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	codec, err := tokenizer.Get(tokenizer.Encoding(strings.ToLower(encoding)))
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding %q: %w", encoding, err)
	}
	return &Tiktoken{codec: codec}, nil
}

// ForModel returns a counter using the encoding tiktoken associates with model.
func ForModel(model string) (*Tiktoken, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model)))
	if err != nil {
		return nil, fmt.Errorf("no tokenizer for model %q: %w", model, err)
	}
	return &Tiktoken{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return estimate(text, defaultCharsPerToken)
	}
	return len(ids)
}

// CountMessage implements Counter.
func (t *Tiktoken) CountMessage(role, content string) int {
	return tokensPerMessage + tokensPerRole + t.Count(content)
}

const defaultCharsPerToken = 4.0

// Estimator approximates token counts from character length. It is the
// fallback when no tiktoken encoding is available.
type Estimator struct {
	CharsPerToken float64
}

// NewEstimator returns an Estimator with a ratio that suits most models.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: defaultCharsPerToken}
}

// CountMessage implements Counter.
func (e *Estimator) CountMessage(role, content string) int {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = defaultCharsPerToken
	}
	return tokensPerMessage + tokensPerRole + estimate(content, ratio)
}

func estimate(text string, charsPerToken float64) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}
