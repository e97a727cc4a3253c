package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerIPRateLimit(t *testing.T) {
	l := NewConnectionRateLimiter(RateLimiterConfig{
		IPBurst: 3, IPRate: 0.001,
		GlobalBurst: 1000, GlobalRate: 1000,
	}, zerolog.Nop())
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "attempt %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	// Other IPs have their own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestGlobalRateLimit(t *testing.T) {
	l := NewConnectionRateLimiter(RateLimiterConfig{
		IPBurst: 1000, IPRate: 1000,
		GlobalBurst: 2, GlobalRate: 0.001,
	}, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow("10.0.0.3"), "global bucket exhausted")
}

func TestResourceGuardConnectionLimit(t *testing.T) {
	g := NewResourceGuard(GuardConfig{MaxConnections: 2}, zerolog.Nop())
	defer g.Stop()

	ok, _ := g.ShouldAccept()
	require.True(t, ok)

	g.ConnectionOpened()
	g.ConnectionOpened()
	assert.Equal(t, int64(2), g.CurrentConnections())

	ok, reason := g.ShouldAccept()
	assert.False(t, ok)
	assert.Contains(t, reason, "connection limit")

	g.ConnectionClosed()
	ok, _ = g.ShouldAccept()
	assert.True(t, ok)
}

func TestResourceGuardThresholds(t *testing.T) {
	g := NewResourceGuard(GuardConfig{
		MaxConnections: 100,
		CPUThreshold:   50,
		MemoryLimit:    1 << 20,
	}, zerolog.Nop())
	defer g.Stop()

	g.currentCPU.Store(90.0)
	ok, reason := g.ShouldAccept()
	assert.False(t, ok)
	assert.Contains(t, reason, "cpu")

	g.currentCPU.Store(10.0)
	g.currentMemory.Store(2 << 20)
	ok, reason = g.ShouldAccept()
	assert.False(t, ok)
	assert.Contains(t, reason, "memory")

	g.currentMemory.Store(1 << 10)
	ok, _ = g.ShouldAccept()
	assert.True(t, ok)
}
