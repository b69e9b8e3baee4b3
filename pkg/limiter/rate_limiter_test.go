package limiter

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(100, 5)
	rl.SetModelRPM("test-model", 600)

	// Test Allow
	if !rl.Allow("test-model") {
		t.Error("Expected first request to be allowed")
	}

	// Test Wait
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx, "test-model")
	if err != nil {
		t.Errorf("Expected wait to succeed, got error: %v", err)
	}

	// Test stats
	stats := rl.GetStats("test-model")
	if stats["model_id"] != "test-model" {
		t.Errorf("Expected model_id to be test-model, got %v", stats["model_id"])
	}
	if stats["burst"] != 60 {
		t.Errorf("Expected per-model burst 60, got %v", stats["burst"])
	}
}

func TestRateLimiterWithHighLoad(t *testing.T) {
	rl := NewRateLimiter(20, 1) // one token every 50ms

	allowedCount := 0
	for i := 0; i < 20; i++ {
		if rl.Allow("any-model") {
			allowedCount++
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Should allow some requests but not all
	if allowedCount == 0 {
		t.Error("Expected at least some requests to be allowed")
	}
	if allowedCount >= 20 {
		t.Error("Expected rate limiting to prevent all requests")
	}
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.5, 1)

	// drain the only token
	if err := rl.Wait(context.Background(), "m"); err != nil {
		t.Fatalf("Expected first wait to succeed, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, "m"); err == nil {
		t.Error("Expected wait to fail when the next token is beyond the deadline")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("m") {
			t.Fatalf("Expected unlimited limiter to allow request %d", i)
		}
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	rl.SetModelRPM("reset-model", 60)

	if _, ok := rl.GetStats("reset-model")["limit"]; !ok {
		t.Fatal("Expected per-model limiter to be installed")
	}

	rl.Reset("reset-model")

	if _, ok := rl.GetStats("reset-model")["limit"]; ok {
		t.Error("Expected per-model limiter to be removed after reset")
	}
}
