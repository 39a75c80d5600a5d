// Package netguard decides subnet containment for banned CIDR ranges.
package netguard

import (
	"context"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/store"
)

// CIDRSetKey is the store set holding banned CIDR strings.
const CIDRSetKey = "ban:cidrs"

// Matcher checks addresses against the banned CIDR set. It reads the full
// set from the store on every call so ban list changes take effect
// immediately; there is no local cache to go stale.
type Matcher struct {
	store  store.Store
	logger zerolog.Logger
}

// NewMatcher creates a Matcher backed by the given store.
func NewMatcher(s store.Store, logger zerolog.Logger) *Matcher {
	return &Matcher{store: s, logger: logger}
}

// IsInAnyBannedCIDR reports whether ip falls inside any banned CIDR range.
// Addresses are only compared within the same family: an IPv4 input never
// matches an IPv6 network and vice versa. Malformed inputs and malformed
// stored entries are logged and treated as non-matching; a store error
// fails open.
func (m *Matcher) IsInAnyBannedCIDR(ctx context.Context, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		m.logger.Warn().Str("ip", ip).Msg("unparseable address in cidr check")
		return false
	}
	// Normalize IPv4-mapped IPv6 so "::ffff:203.0.113.42" compares as IPv4.
	addr = addr.Unmap()

	cidrs, err := m.store.SMembers(ctx, CIDRSetKey)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load banned cidr set, failing open")
		return false
	}

	for _, entry := range cidrs {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			m.logger.Warn().Str("cidr", entry).Msg("skipping malformed cidr entry")
			continue
		}
		network := prefix.Addr().Unmap()
		if network.Is4() != addr.Is4() {
			continue
		}
		if netip.PrefixFrom(network, prefix.Bits()).Contains(addr) {
			return true
		}
	}
	return false
}
