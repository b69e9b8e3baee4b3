package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

// CacheKey represents a cache key
type CacheKey string

// CacheEntry represents a cached decision
type CacheEntry struct {
	Decision     core.Decision `json:"decision"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	AccessCount  int           `json:"access_count"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// IsExpired checks if the cache entry is expired
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Touch updates the access time and count
func (e *CacheEntry) Touch() {
	e.LastAccessed = time.Now()
	e.AccessCount++
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxSize    int           `json:"max_size"`    // Maximum number of entries
	DefaultTTL time.Duration `json:"default_ttl"` // Default TTL for entries
}

// DefaultCacheConfig returns a default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:    1000,
		DefaultTTL: 10 * time.Minute,
	}
}

// stepKey is the part of a step that influences the next decision.
type stepKey struct {
	Thought     string       `json:"thought"`
	Action      *core.Action `json:"action,omitempty"`
	Observation string       `json:"observation"`
}

// GenerateKey derives a key from everything the oracle sees: model,
// variant, temperature, prompt and the steps so far. Run and task ids
// are excluded so identical prompts share entries across runs.
func GenerateKey(req core.DecisionRequest) (CacheKey, error) {
	steps := make([]stepKey, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = stepKey{Thought: s.Thought, Action: s.Action, Observation: s.Observation}
	}
	normalized := struct {
		Model       string    `json:"model"`
		Variant     string    `json:"variant"`
		Temperature float64   `json:"temperature"`
		Tools       []string  `json:"tools"`
		Prompt      string    `json:"prompt"`
		Steps       []stepKey `json:"steps"`
	}{
		Model:       req.Policy.Model,
		Variant:     req.Policy.Variant,
		Temperature: req.Policy.Temperature,
		Tools:       req.Policy.Security.AllowedTools,
		Prompt:      req.Task.Prompt,
		Steps:       steps,
	}

	// encoding/json sorts map keys, so Args hash stably
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	hash := sha256.Sum256(data)
	return CacheKey(fmt.Sprintf("%x", hash)), nil
}

// CacheStats represents cache statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

// CalculateHitRate calculates the hit rate
func (s *CacheStats) CalculateHitRate() {
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	} else {
		s.HitRate = 0.0
	}
}

// cloneDecision copies the action so callers never share an Args map.
func cloneDecision(d core.Decision) core.Decision {
	if d.Action != nil {
		args := make(map[string]any, len(d.Action.Args))
		for k, v := range d.Action.Args {
			args[k] = v
		}
		d.Action = &core.Action{Tool: d.Action.Tool, Args: args}
	}
	if d.FinalAnswer != nil {
		answer := *d.FinalAnswer
		d.FinalAnswer = &answer
	}
	return d
}
