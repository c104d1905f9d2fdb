package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, cfg *Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	l := NewLimiter(cfg, WithClock(clock.Now))
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_Allow(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})

	for i := 0; i < 10; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 10, info.Limit)
		assert.Equal(t, 9-i, info.Remaining)
	}

	allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.InDelta(t, 6.0, info.RetryAfter.Seconds(), 0.001)
}

func TestLimiter_Refill(t *testing.T) {
	limiter, clock := newTestLimiter(t, &Config{Enabled: true, DefaultLimit: 60, DefaultWindow: time.Minute})

	for i := 0; i < 60; i++ {
		allowed, _ := limiter.Allow("c", "/credits", "GET")
		require.True(t, allowed)
	}
	allowed, _ := limiter.Allow("c", "/credits", "GET")
	require.False(t, allowed)

	clock.Advance(time.Second)
	allowed, _ = limiter.Allow("c", "/credits", "GET")
	assert.True(t, allowed, "one token refills per second")

	allowed, _ = limiter.Allow("c", "/credits", "GET")
	assert.False(t, allowed)

	clock.Advance(time.Hour)
	_, info := limiter.Allow("c", "/credits", "GET")
	assert.Equal(t, 59, info.Remaining, "refill is capped at capacity")
}

func TestLimiter_ResetTime(t *testing.T) {
	limiter, clock := newTestLimiter(t, &Config{Enabled: true, DefaultLimit: 10, DefaultWindow: 10 * time.Second})

	for i := 0; i < 5; i++ {
		limiter.Allow("c", "/runs", "GET")
	}
	_, info := limiter.Allow("c", "/runs", "GET")
	assert.Equal(t, clock.Now().Add(6*time.Second), info.ResetTime)
}

func TestLimiter_Lists(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"10.0.0.1": true},
		Blacklist:     map[string]bool{"10.0.0.2": true},
	})

	for i := 0; i < 50; i++ {
		allowed, info := limiter.Allow("10.0.0.1", "/runs", "GET")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}

	allowed, _ := limiter.Allow("10.0.0.2", "/health", "GET")
	assert.False(t, allowed, "blacklist applies to every route")
}

func TestLimiter_Disabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{Enabled: false})

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/workflows/execute", "POST")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
	assert.Zero(t, limiter.Len())
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/workflows/execute", Method: "POST", Limit: 5, Window: time.Hour, Burst: 2},
		},
	})

	for i := 0; i < 2; i++ {
		allowed, info := limiter.Allow("c", "/workflows/execute", "POST")
		require.True(t, allowed)
		assert.Equal(t, 5, info.Limit)
	}
	allowed, _ := limiter.Allow("c", "/workflows/execute", "POST")
	assert.False(t, allowed, "burst exhausted")

	allowed, info := limiter.Allow("c", "/runs", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)

	allowed, _ = limiter.Allow("other", "/workflows/execute", "POST")
	assert.True(t, allowed, "buckets are per client")
}

func TestLimiter_SubtreeSharesBucket(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		EndpointConfigs: []EndpointConfig{
			{Path: "/runs/", Method: "DELETE", Limit: 2, Window: time.Minute},
		},
	})

	allowed, _ := limiter.Allow("c", "/runs/a", "DELETE")
	require.True(t, allowed)
	allowed, _ = limiter.Allow("c", "/runs/b", "DELETE")
	require.True(t, allowed)
	allowed, _ = limiter.Allow("c", "/runs/c", "DELETE")
	assert.False(t, allowed)
	assert.Equal(t, 1, limiter.Len())
}

func TestLimiter_HealthUnlimited(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute})

	for i := 0; i < 20; i++ {
		allowed, _ := limiter.Allow("c", "/health", "GET")
		require.True(t, allowed)
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter, _ := newTestLimiter(t, &Config{Enabled: true, DefaultLimit: 100, DefaultWindow: time.Minute})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _ := limiter.Allow("c", "/runs", "GET"); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowedCount)
}

func TestLimiter_Sweep(t *testing.T) {
	limiter, clock := newTestLimiter(t, &Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute, IdleTTL: time.Minute})

	limiter.Allow("old", "/runs", "GET")
	clock.Advance(2 * time.Minute)
	limiter.Allow("fresh", "/runs", "GET")
	require.Equal(t, 2, limiter.Len())

	limiter.Sweep()
	assert.Equal(t, 1, limiter.Len())

	_, info := limiter.Allow("old", "/runs", "GET")
	assert.Equal(t, 9, info.Remaining, "swept client starts with a full bucket")
}

func TestLimiter_StopTwice(t *testing.T) {
	limiter := NewLimiter(&Config{Enabled: true, DefaultLimit: 1, DefaultWindow: time.Minute, CleanupInterval: time.Millisecond})
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestNewLimiter_NilConfig(t *testing.T) {
	limiter, _ := newTestLimiter(t, nil)

	allowed, info := limiter.Allow("c", "/runs", "GET")
	assert.True(t, allowed)
	assert.Equal(t, DefaultConfig().DefaultLimit, info.Limit)

	_, info = limiter.Allow("c", "/workflows/execute", "POST")
	assert.Equal(t, 30, info.Limit)
}

func TestMatchEndpoint(t *testing.T) {
	configs := []EndpointConfig{
		{Path: "/workflows/execute", Method: "POST", Limit: 1},
		{Path: "/runs/", Method: "GET", Limit: 2},
		{Path: "/runs/archived/", Method: "GET", Limit: 3},
	}

	tests := []struct {
		name      string
		path      string
		method    string
		wantLimit int
		wantNil   bool
	}{
		{"exact", "/workflows/execute", "POST", 1, false},
		{"method mismatch", "/workflows/execute", "GET", 0, true},
		{"subtree", "/runs/abc", "GET", 2, false},
		{"longest subtree", "/runs/archived/abc", "GET", 3, false},
		{"health", "/health", "GET", 0, false},
		{"no match", "/credits", "GET", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantLimit, got.Limit)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_ENABLED", "false")
		assert.False(t, LoadConfig().Enabled)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "42")
		t.Setenv("RATE_LIMIT_DEFAULT_WINDOW", "30s")
		t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.1 , ,10.0.0.2")
		t.Setenv("RATE_LIMIT_EXECUTE_LIMIT", "3")

		cfg := LoadConfig()
		assert.True(t, cfg.Enabled)
		assert.Equal(t, 42, cfg.DefaultLimit)
		assert.Equal(t, 30*time.Second, cfg.DefaultWindow)
		assert.Equal(t, map[string]bool{"10.0.0.1": true, "10.0.0.2": true}, cfg.Whitelist)

		exec := MatchEndpoint("/workflows/execute", "POST", cfg.EndpointConfigs)
		require.NotNil(t, exec)
		assert.Equal(t, 3, exec.Limit)
		assert.Equal(t, 3, exec.Burst)
	})

	t.Run("invalid values keep defaults", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_DEFAULT_LIMIT", "lots")
		assert.Equal(t, DefaultConfig().DefaultLimit, LoadConfig().DefaultLimit)
	})
}
