package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder counts tokens in text
type Encoder interface {
	Count(text string) int
}

// TiktokenEncoder implements Encoder using tiktoken-go
type TiktokenEncoder struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEncoder creates a new tiktoken encoder. Loading the BPE ranks
// may require network access on first use.
func NewTiktokenEncoder(encodingName string) (*TiktokenEncoder, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding %s: %w", encodingName, err)
	}

	return &TiktokenEncoder{
		encoding: encoding,
	}, nil
}

// Count returns the number of tokens in text
func (e *TiktokenEncoder) Count(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// CharEncoder estimates tokens as one per four bytes of text.
type CharEncoder struct{}

// NewCharEncoder creates a character based estimator
func NewCharEncoder() *CharEncoder {
	return &CharEncoder{}
}

// Count returns len(text)/4, at least 1 for non-empty text
func (e *CharEncoder) Count(text string) int {
	if text == "" {
		return 0
	}
	count := len(text) / 4
	if count < 1 {
		count = 1
	}
	return count
}

// EncoderRegistry manages model-to-encoder mappings
type EncoderRegistry struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
	fallback Encoder
}

// NewEncoderRegistry creates a registry that falls back to fallback, or to
// the character estimator when fallback is nil.
func NewEncoderRegistry(fallback Encoder) *EncoderRegistry {
	if fallback == nil {
		fallback = NewCharEncoder()
	}
	return &EncoderRegistry{
		encoders: make(map[string]Encoder),
		fallback: fallback,
	}
}

// RegisterEncoder registers an encoder for a model
func (r *EncoderRegistry) RegisterEncoder(modelID string, encoder Encoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[modelID] = encoder
}

// GetEncoder returns the encoder for a model, or fallback if not found
func (r *EncoderRegistry) GetEncoder(modelID string) Encoder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if encoder, exists := r.encoders[modelID]; exists {
		return encoder
	}
	return r.fallback
}

// CountTokens counts tokens in text using the appropriate encoder
func (r *EncoderRegistry) CountTokens(modelID, text string) int {
	return r.GetEncoder(modelID).Count(text)
}

// NewEstimator returns the encoder named by encodingName. An empty name or
// "chars" selects the character estimator; a tiktoken encoding that cannot
// be loaded also falls back to it and the load error is returned alongside.
func NewEstimator(encodingName string) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(encodingName)) {
	case "", "chars":
		return NewCharEncoder(), nil
	}
	enc, err := NewTiktokenEncoder(encodingName)
	if err != nil {
		return NewCharEncoder(), err
	}
	return enc, nil
}
