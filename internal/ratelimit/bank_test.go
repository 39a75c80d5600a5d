package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/ban"
	"github.com/edgegate/edgegate/internal/netguard"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/internal/store/storetest"
)

func newBank(t *testing.T, policies map[Kind]Policy) (*Bank, *ban.Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(zerolog.Nop())
	bans := ban.NewRegistry(s, netguard.NewMatcher(s, zerolog.Nop()), zerolog.Nop())
	cfg := Config{Policies: policies, GuardRPS: 0} // guard off unless a test enables it
	return NewBank(cfg, s, bans, zerolog.Nop()), bans, s
}

func TestSlidingWindowLimit(t *testing.T) {
	bank, _, _ := newBank(t, map[Kind]Policy{
		KindDefault: {Limit: 3, Window: 200 * time.Millisecond},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := bank.CheckAndConsume(ctx, KindDefault, "198.51.100.7")
		require.True(t, res.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res := bank.CheckAndConsume(ctx, KindDefault, "198.51.100.7")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// The window slides; capacity returns.
	time.Sleep(250 * time.Millisecond)
	res = bank.CheckAndConsume(ctx, KindDefault, "198.51.100.7")
	assert.True(t, res.Allowed)
}

func TestKindsAreIsolated(t *testing.T) {
	bank, _, _ := newBank(t, map[Kind]Policy{
		KindDefault: {Limit: 1, Window: time.Minute},
		KindAuth:    {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, bank.CheckAndConsume(ctx, KindDefault, "id").Allowed)
	assert.False(t, bank.CheckAndConsume(ctx, KindDefault, "id").Allowed)

	// Same identifier, different kind: fresh quota.
	assert.True(t, bank.CheckAndConsume(ctx, KindAuth, "id").Allowed)
}

func TestIdentifiersAreIsolated(t *testing.T) {
	bank, _, _ := newBank(t, map[Kind]Policy{
		KindDefault: {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.True(t, bank.CheckAndConsume(ctx, KindDefault, "a").Allowed)
	assert.False(t, bank.CheckAndConsume(ctx, KindDefault, "a").Allowed)
	assert.True(t, bank.CheckAndConsume(ctx, KindDefault, "b").Allowed)
}

func TestBannedShortCircuitsWithoutConsuming(t *testing.T) {
	bank, bans, _ := newBank(t, map[Kind]Policy{
		KindDefault: {Limit: 2, Window: time.Minute},
	})
	ctx := context.Background()

	require.NoError(t, bans.Ban(ctx, "198.51.100.7"))

	for i := 0; i < 5; i++ {
		res := bank.CheckAndConsume(ctx, KindDefault, "198.51.100.7")
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Limit)
		assert.Equal(t, 0, res.Remaining)
	}

	// The denials above must not have touched the window: after unban the
	// full quota is still there.
	require.NoError(t, bans.Unban(ctx, "198.51.100.7"))
	res := bank.CheckAndConsume(ctx, KindDefault, "198.51.100.7")
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestSlowedReroutesToSlowKind(t *testing.T) {
	bank, bans, _ := newBank(t, map[Kind]Policy{
		KindDefault: {Limit: 100, Window: time.Minute},
		KindAPI:     {Limit: 100, Window: time.Minute},
		KindSlow:    {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	require.NoError(t, bans.Slow(ctx, "203.0.113.9"))

	// The slow quota applies no matter which kind is requested.
	res := bank.CheckAndConsume(ctx, KindAPI, "203.0.113.9")
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Limit)

	res = bank.CheckAndConsume(ctx, KindDefault, "203.0.113.9")
	assert.False(t, res.Allowed)
}

func TestFailsOpenOnStoreOutage(t *testing.T) {
	failing := storetest.FailingStore{}
	bans := ban.NewRegistry(failing, netguard.NewMatcher(failing, zerolog.Nop()), zerolog.Nop())
	bank := NewBank(Config{GuardRPS: 0}, failing, bans, zerolog.Nop())

	res := bank.CheckAndConsume(context.Background(), KindDefault, "198.51.100.7")
	assert.True(t, res.Allowed)
	assert.Greater(t, res.Remaining, 0)
}

func TestLocalBurstGuard(t *testing.T) {
	s := store.NewMemoryStore(zerolog.Nop())
	bans := ban.NewRegistry(s, netguard.NewMatcher(s, zerolog.Nop()), zerolog.Nop())
	bank := NewBank(Config{
		Policies:   map[Kind]Policy{KindDefault: {Limit: 1000, Window: time.Minute}},
		GuardRPS:   1,
		GuardBurst: 2,
	}, s, bans, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, bank.CheckAndConsume(ctx, KindDefault, "id").Allowed)
	assert.True(t, bank.CheckAndConsume(ctx, KindDefault, "id").Allowed)

	res := bank.CheckAndConsume(ctx, KindDefault, "id")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestCleanupGuardsDropsIdleEntries(t *testing.T) {
	s := store.NewMemoryStore(zerolog.Nop())
	bans := ban.NewRegistry(s, netguard.NewMatcher(s, zerolog.Nop()), zerolog.Nop())
	bank := NewBank(Config{
		Policies:     DefaultPolicies(),
		GuardRPS:     10,
		GuardBurst:   10,
		GuardIdleTTL: 10 * time.Millisecond,
	}, s, bans, zerolog.Nop())

	bank.CheckAndConsume(context.Background(), KindDefault, "id")
	bank.guardMu.Lock()
	assert.Len(t, bank.guards, 1)
	bank.guardMu.Unlock()

	time.Sleep(20 * time.Millisecond)
	bank.CleanupGuards()

	bank.guardMu.Lock()
	assert.Empty(t, bank.guards)
	bank.guardMu.Unlock()
}

func TestPolicyForFallsBackToDefault(t *testing.T) {
	bank, _, _ := newBank(t, map[Kind]Policy{
		KindDefault: {Limit: 7, Window: time.Minute},
	})
	assert.Equal(t, 7, bank.PolicyFor(KindAI).Limit)
}
