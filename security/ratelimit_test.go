package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	defer rl.Stop()

	// Burst of 2 is allowed
	if !rl.Allow("client-1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("client-1") {
		t.Error("second request should be allowed (burst)")
	}

	// Third immediate request exceeds the burst
	if rl.Allow("client-1") {
		t.Error("third immediate request should be denied")
	}
}

func TestRateLimiter_PerIdentifier(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("client-a") {
		t.Error("client-a first request should be allowed")
	}
	if rl.Allow("client-a") {
		t.Error("client-a second request should be denied")
	}

	// A different identifier has its own bucket
	if !rl.Allow("client-b") {
		t.Error("client-b first request should be allowed")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := NewRateLimiter(100, 1, nil)
	defer rl.Stop()

	if !rl.Allow("client-1") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("client-1") {
		t.Fatal("second immediate request should be denied")
	}

	// At 100 rps the bucket refills within ~10ms
	time.Sleep(50 * time.Millisecond)
	if !rl.Allow("client-1") {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("client-%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries > 3 {
		t.Errorf("CurrentEntries = %d, want at most 3", stats.CurrentEntries)
	}
	if stats.TotalEvictions < 2 {
		t.Errorf("TotalEvictions = %d, want at least 2", stats.TotalEvictions)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("client-1")
	rl.Allow("client-2")

	// Nothing is idle yet
	rl.Cleanup(time.Hour)
	if got := rl.GetStats().CurrentEntries; got != 2 {
		t.Errorf("CurrentEntries after no-op cleanup = %d, want 2", got)
	}

	// Everything is idle relative to a zero max idle time
	time.Sleep(5 * time.Millisecond)
	rl.Cleanup(time.Millisecond)
	if got := rl.GetStats().CurrentEntries; got != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", got)
	}
}

func TestRateLimiter_GetStats(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 10, nil)
	defer rl.Stop()

	rl.Allow("client-1")

	stats := rl.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d, want 1", stats.CurrentEntries)
	}
	if stats.MaxEntries != 10 {
		t.Errorf("MaxEntries = %d, want 10", stats.MaxEntries)
	}
	if stats.MemoryPressure != 10.0 {
		t.Errorf("MemoryPressure = %f, want 10.0", stats.MemoryPressure)
	}
}
