package cache

import (
	"testing"
	"time"

	"github.com/PirateKINGYu/Kimi-Agent-Infra-Agent-Architecture/core"
)

func TestLRUCache_GetSet(t *testing.T) {
	c, err := NewLRUCache(&CacheConfig{MaxSize: 2, DefaultTTL: time.Minute})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("Expected miss for unknown key")
	}

	c.Set("a", core.Act("t", "calculator", map[string]any{"expression": "1+1"}), 0)
	d, ok := c.Get("a")
	if !ok {
		t.Fatal("Expected hit")
	}
	if d.Action == nil || d.Action.Tool != "calculator" {
		t.Errorf("Unexpected decision %+v", d)
	}

	// returned decisions are copies
	d.Action.Args["expression"] = "tampered"
	again, _ := c.Get("a")
	if again.Action.Args["expression"] != "1+1" {
		t.Errorf("Cached args were mutated: %v", again.Action.Args)
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Expected 2 hits and 1 miss, got %+v", stats)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("Unexpected hit rate %f", stats.HitRate)
	}
}

func TestLRUCache_Eviction(t *testing.T) {
	c, err := NewLRUCache(&CacheConfig{MaxSize: 2, DefaultTTL: time.Minute})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	c.Set("a", core.Finish("", "A"), 0)
	c.Set("b", core.Finish("", "B"), 0)
	c.Get("a")
	c.Set("c", core.Finish("", "C"), 0)

	if _, ok := c.Get("b"); ok {
		t.Error("Expected least recently used entry to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("Expected recently used entry to survive")
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("Expected 1 eviction, got %d", got)
	}
	if c.Len() != 2 {
		t.Errorf("Expected size 2, got %d", c.Len())
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	c, err := NewLRUCache(&CacheConfig{MaxSize: 10, DefaultTTL: time.Minute})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	c.Set("short", core.Finish("", "x"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("short"); ok {
		t.Fatal("Expected expired entry to miss")
	}
	stats := c.Stats()
	if stats.Expirations != 1 || stats.Evictions != 0 {
		t.Errorf("Expected 1 expiration and no eviction, got %+v", stats)
	}

	c.Set("x", core.Finish("", "x"), 0)
	c.Clear()
	if c.Len() != 0 {
		t.Error("Expected empty cache after Clear")
	}
}

func TestGenerateKey(t *testing.T) {
	base := core.DecisionRequest{
		RunID:  "run-1",
		Task:   core.Task{ID: "a", Prompt: "Compute 2+3"},
		Policy: core.Policy{Model: "kimi-k2", Variant: core.VariantSimple},
	}

	k1, err := GenerateKey(base)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	other := base
	other.RunID = "run-2"
	other.Task.ID = "b"
	k2, _ := GenerateKey(other)
	if k1 != k2 {
		t.Error("Run and task ids must not affect the key")
	}

	withStep := base
	withStep.Steps = []core.Step{{Index: 0, Thought: "t", Observation: "5", LatencyMs: 7}}
	k3, _ := GenerateKey(withStep)
	if k3 == k1 {
		t.Error("Steps must affect the key")
	}

	slower := withStep
	slower.Steps = []core.Step{{Index: 0, Thought: "t", Observation: "5", LatencyMs: 900}}
	k4, _ := GenerateKey(slower)
	if k3 != k4 {
		t.Error("Latency must not affect the key")
	}

	warm := base
	warm.Policy.Temperature = 0.7
	k5, _ := GenerateKey(warm)
	if k5 == k1 {
		t.Error("Temperature must affect the key")
	}
}
