package ban

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/netguard"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/internal/store/storetest"
)

func newRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(zerolog.Nop())
	matcher := netguard.NewMatcher(s, zerolog.Nop())
	return NewRegistry(s, matcher, zerolog.Nop()), s
}

func TestBanAndUnban(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	assert.False(t, r.IsBanned(ctx, "198.51.100.7"))

	require.NoError(t, r.Ban(ctx, "198.51.100.7", WithReason("abuse"), WithBannedBy("ops")))
	assert.True(t, r.IsBanned(ctx, "198.51.100.7"))

	meta := r.BanMetadata(ctx, "198.51.100.7")
	require.NotNil(t, meta)
	assert.Equal(t, "abuse", meta.Reason)
	assert.Equal(t, "ops", meta.BannedBy)
	assert.False(t, meta.BannedAt.IsZero())

	require.NoError(t, r.Unban(ctx, "198.51.100.7"))
	assert.False(t, r.IsBanned(ctx, "198.51.100.7"))
	assert.Nil(t, r.BanMetadata(ctx, "198.51.100.7"))
}

func TestBanOpaqueIdentifier(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Ban(ctx, "user:1234"))
	assert.True(t, r.IsBanned(ctx, "user:1234"))
	assert.Contains(t, r.ListBanned(ctx), "user:1234")
}

func TestTemporaryBanMetadataExpiresMembershipPersists(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Ban(ctx, "198.51.100.7", WithReason("abuse"), WithTTL(20*time.Millisecond)))
	assert.True(t, r.IsBanned(ctx, "198.51.100.7"))
	require.NotNil(t, r.BanMetadata(ctx, "198.51.100.7"))

	time.Sleep(40 * time.Millisecond)

	// Metadata is gone but membership persists until unbanned or swept.
	assert.Nil(t, r.BanMetadata(ctx, "198.51.100.7"))
	assert.True(t, r.IsBanned(ctx, "198.51.100.7"))
}

func TestSweepExpiredRemovesOnlyExpiredTemporaryBans(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Ban(ctx, "temp", WithReason("spike"), WithTTL(20*time.Millisecond)))
	require.NoError(t, r.Ban(ctx, "permanent", WithReason("abuse")))

	time.Sleep(40 * time.Millisecond)

	removed, err := r.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, r.IsBanned(ctx, "temp"))
	assert.True(t, r.IsBanned(ctx, "permanent"))
}

func TestSlowAndUnslow(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Slow(ctx, "203.0.113.9", WithReason("suspicious")))
	assert.True(t, r.IsSlowed(ctx, "203.0.113.9"))
	assert.False(t, r.IsBanned(ctx, "203.0.113.9"))
	assert.Contains(t, r.ListSlowed(ctx), "203.0.113.9")

	require.NoError(t, r.Unslow(ctx, "203.0.113.9"))
	assert.False(t, r.IsSlowed(ctx, "203.0.113.9"))
}

func TestLoopbackAlwaysExempt(t *testing.T) {
	r, s := newRegistry(t)
	ctx := context.Background()

	// Even explicit set membership cannot ban loopback.
	require.NoError(t, s.SAdd(ctx, "ban:ips", "127.0.0.1", "::1", "localhost"))

	assert.False(t, r.IsBanned(ctx, "127.0.0.1"))
	assert.False(t, r.IsBanned(ctx, "::1"))
	assert.False(t, r.IsBanned(ctx, "localhost"))
	assert.False(t, r.IsSlowed(ctx, "127.0.0.1"))
}

func TestBanCIDRMatchesContainedAddresses(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.BanCIDR(ctx, "203.0.113.0/24", WithReason("botnet")))
	assert.True(t, r.IsBanned(ctx, "203.0.113.42"))
	assert.False(t, r.IsBanned(ctx, "203.0.114.42"))

	require.NoError(t, r.UnbanCIDR(ctx, "203.0.113.0/24"))
	assert.False(t, r.IsBanned(ctx, "203.0.113.42"))
}

func TestBanCIDRRejectsMalformed(t *testing.T) {
	r, _ := newRegistry(t)
	assert.Error(t, r.BanCIDR(context.Background(), "not-a-cidr"))
}

func TestFailOpenOnStoreErrors(t *testing.T) {
	failing := storetest.FailingStore{}
	r := NewRegistry(failing, netguard.NewMatcher(failing, zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	assert.False(t, r.IsBanned(ctx, "198.51.100.7"))
	assert.False(t, r.IsSlowed(ctx, "198.51.100.7"))
	assert.Empty(t, r.ListBanned(ctx))
	assert.Empty(t, r.ListSlowed(ctx))
	assert.Nil(t, r.BanMetadata(ctx, "198.51.100.7"))
}
