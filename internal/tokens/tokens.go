// Package tokens estimates token counts for transcript budgeting.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator returns an approximate token count for text.
type Estimator interface {
	Estimate(text string) int
}

// Heuristic assumes a fixed number of characters per token.
type Heuristic struct {
	CharsPerToken int
}

// Estimate implements Estimator.
func (h Heuristic) Estimate(text string) int {
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	return (len(text) + cpt - 1) / cpt
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads an encoding such as "cl100k_base".
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Estimate implements Estimator.
func (t *Tiktoken) Estimate(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// ForEncoding returns a tiktoken estimator for encoding, or the character
// heuristic if the encoding is "heuristic", empty, or cannot be loaded. The
// returned error reports why the fallback was used.
func ForEncoding(encoding string) (Estimator, error) {
	if encoding == "" || encoding == "heuristic" {
		return Heuristic{}, nil
	}
	t, err := NewTiktoken(encoding)
	if err != nil {
		return Heuristic{}, err
	}
	return t, nil
}
