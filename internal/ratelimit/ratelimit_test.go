package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	ip := "203.0.113.7"
	for i := 0; i < 5; i++ {
		if !limiter.Allow(ip) {
			t.Errorf("request %d denied inside burst", i)
		}
	}
	if limiter.Allow(ip) {
		t.Error("request past the burst allowed")
	}

	// 60/min refills one token per second.
	time.Sleep(time.Second)
	if !limiter.Allow(ip) {
		t.Error("request denied after refill window")
	}
}

func TestAllow_BucketsAreScopedPerClient(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("203.0.113.7")
	}
	if limiter.Allow("203.0.113.7") {
		t.Error("exhausted client still allowed")
	}
	// A second client has its own bucket.
	if !limiter.Allow("198.51.100.2") {
		t.Error("fresh client denied by another client's bucket")
	}
}

func TestAllow_Replenishment(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	ip := "203.0.113.7"
	if !limiter.Allow(ip) {
		t.Error("first request denied")
	}
	if limiter.Allow(ip) {
		t.Error("second immediate request allowed with burst 1")
	}

	// 600/min is one token per 100ms.
	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow(ip) {
		t.Error("request denied after a full token interval")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 {
		t.Errorf("defaults = %d/min burst %d, want 60/min burst 10", cfg.RequestsPerMinute, cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("cleanup interval = %v, want 1m", cfg.CleanupInterval)
	}
}
