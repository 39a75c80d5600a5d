// Package ban manages banned and slowed identifiers (IPs or opaque strings)
// and banned CIDR ranges, backed by the shared store.
//
// All read paths fail open: if the store is unreachable, identifiers are
// treated as neither banned nor slowed. A degraded store must never turn
// into a blanket denial of legitimate traffic.
package ban

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/netguard"
	"github.com/edgegate/edgegate/internal/store"
)

// Store keys. Metadata lives under its own keys so it can carry a TTL
// independent of the set membership.
const (
	bannedSetKey = "ban:ips"
	slowedSetKey = "ban:slow"
	tempBanSet   = "ban:temp"

	banMetaPrefix  = "ban:meta:"
	cidrMetaPrefix = "cidr:meta:"
)

// Metadata describes why and when an identifier was banned or slowed.
type Metadata struct {
	Reason   string    `json:"reason,omitempty"`
	BannedAt time.Time `json:"banned_at"`
	BannedBy string    `json:"banned_by,omitempty"`
}

// Registry manages ban and slow membership.
type Registry struct {
	store   store.Store
	matcher *netguard.Matcher
	logger  zerolog.Logger
}

// NewRegistry creates a Registry. The matcher is consulted by IsBanned for
// identifiers that parse as IP addresses.
func NewRegistry(s store.Store, matcher *netguard.Matcher, logger zerolog.Logger) *Registry {
	return &Registry{store: s, matcher: matcher, logger: logger}
}

// BanOption configures a Ban or Slow call.
type BanOption func(*banOptions)

type banOptions struct {
	reason   string
	bannedBy string
	ttl      time.Duration
}

// WithReason records a human-readable reason in the metadata.
func WithReason(reason string) BanOption {
	return func(o *banOptions) { o.reason = reason }
}

// WithBannedBy records the issuer in the metadata.
func WithBannedBy(by string) BanOption {
	return func(o *banOptions) { o.bannedBy = by }
}

// WithTTL expires the metadata after d. The set membership itself stays
// until Unban or SweepExpired removes it.
func WithTTL(d time.Duration) BanOption {
	return func(o *banOptions) { o.ttl = d }
}

// IsBanned reports whether identifier is banned, either directly or by
// falling inside a banned CIDR range. Loopback is always exempt. Store
// errors are logged and resolve to false.
func (r *Registry) IsBanned(ctx context.Context, identifier string) bool {
	if isLoopback(identifier) {
		return false
	}

	banned, err := r.store.SIsMember(ctx, bannedSetKey, identifier)
	if err != nil {
		r.logger.Error().Err(err).Str("identifier", identifier).Msg("ban check failed, failing open")
		return false
	}
	if banned {
		return true
	}

	if r.matcher != nil {
		if _, err := netip.ParseAddr(identifier); err == nil {
			return r.matcher.IsInAnyBannedCIDR(ctx, identifier)
		}
	}
	return false
}

// IsSlowed reports whether identifier is in forced slow mode. Loopback is
// always exempt. Store errors are logged and resolve to false.
func (r *Registry) IsSlowed(ctx context.Context, identifier string) bool {
	if isLoopback(identifier) {
		return false
	}

	slowed, err := r.store.SIsMember(ctx, slowedSetKey, identifier)
	if err != nil {
		r.logger.Error().Err(err).Str("identifier", identifier).Msg("slow check failed, failing open")
		return false
	}
	return slowed
}

// Ban adds identifier to the ban set and stores optional metadata. With
// WithTTL only the metadata expires; membership is permanent until Unban
// (or SweepExpired for TTL'd bans).
func (r *Registry) Ban(ctx context.Context, identifier string, opts ...BanOption) error {
	o := applyOptions(opts)

	if err := r.store.SAdd(ctx, bannedSetKey, identifier); err != nil {
		return fmt.Errorf("ban %s: %w", identifier, err)
	}
	if o.ttl > 0 {
		// Marker so SweepExpired can tell a TTL'd ban from a permanent one.
		if err := r.store.SAdd(ctx, tempBanSet, identifier); err != nil {
			r.logger.Warn().Err(err).Str("identifier", identifier).Msg("failed to mark temporary ban")
		}
	}
	if err := r.writeMetadata(ctx, banMetaPrefix+identifier, o); err != nil {
		r.logger.Warn().Err(err).Str("identifier", identifier).Msg("failed to store ban metadata")
	}

	r.logger.Info().
		Str("identifier", identifier).
		Str("reason", o.reason).
		Str("banned_by", o.bannedBy).
		Dur("ttl", o.ttl).
		Msg("identifier banned")
	return nil
}

// Unban removes identifier from the ban set and clears its metadata.
func (r *Registry) Unban(ctx context.Context, identifier string) error {
	if err := r.store.SRem(ctx, bannedSetKey, identifier); err != nil {
		return fmt.Errorf("unban %s: %w", identifier, err)
	}
	_ = r.store.SRem(ctx, tempBanSet, identifier)
	if err := r.store.Del(ctx, banMetaPrefix+identifier); err != nil {
		r.logger.Warn().Err(err).Str("identifier", identifier).Msg("failed to clear ban metadata")
	}
	r.logger.Info().Str("identifier", identifier).Msg("identifier unbanned")
	return nil
}

// Slow puts identifier into forced slow mode.
func (r *Registry) Slow(ctx context.Context, identifier string, opts ...BanOption) error {
	o := applyOptions(opts)

	if err := r.store.SAdd(ctx, slowedSetKey, identifier); err != nil {
		return fmt.Errorf("slow %s: %w", identifier, err)
	}
	if err := r.writeMetadata(ctx, banMetaPrefix+identifier, o); err != nil {
		r.logger.Warn().Err(err).Str("identifier", identifier).Msg("failed to store slow metadata")
	}
	r.logger.Info().Str("identifier", identifier).Str("reason", o.reason).Msg("identifier slowed")
	return nil
}

// Unslow removes identifier from forced slow mode and clears its metadata.
func (r *Registry) Unslow(ctx context.Context, identifier string) error {
	if err := r.store.SRem(ctx, slowedSetKey, identifier); err != nil {
		return fmt.Errorf("unslow %s: %w", identifier, err)
	}
	if err := r.store.Del(ctx, banMetaPrefix+identifier); err != nil {
		r.logger.Warn().Err(err).Str("identifier", identifier).Msg("failed to clear slow metadata")
	}
	r.logger.Info().Str("identifier", identifier).Msg("identifier unslowed")
	return nil
}

// BanCIDR adds a CIDR range to the banned set. The range string is kept
// as given; the matcher validates it lazily and skips it if malformed.
func (r *Registry) BanCIDR(ctx context.Context, cidr string, opts ...BanOption) error {
	o := applyOptions(opts)

	if _, err := netip.ParsePrefix(cidr); err != nil {
		return fmt.Errorf("ban cidr %s: %w", cidr, err)
	}
	if err := r.store.SAdd(ctx, netguard.CIDRSetKey, cidr); err != nil {
		return fmt.Errorf("ban cidr %s: %w", cidr, err)
	}
	if err := r.writeMetadata(ctx, cidrMetaPrefix+cidr, o); err != nil {
		r.logger.Warn().Err(err).Str("cidr", cidr).Msg("failed to store cidr metadata")
	}
	r.logger.Info().Str("cidr", cidr).Str("reason", o.reason).Msg("cidr banned")
	return nil
}

// UnbanCIDR removes a CIDR range from the banned set.
func (r *Registry) UnbanCIDR(ctx context.Context, cidr string) error {
	if err := r.store.SRem(ctx, netguard.CIDRSetKey, cidr); err != nil {
		return fmt.Errorf("unban cidr %s: %w", cidr, err)
	}
	if err := r.store.Del(ctx, cidrMetaPrefix+cidr); err != nil {
		r.logger.Warn().Err(err).Str("cidr", cidr).Msg("failed to clear cidr metadata")
	}
	r.logger.Info().Str("cidr", cidr).Msg("cidr unbanned")
	return nil
}

// ListBanned returns all banned identifiers, or an empty slice on store
// error.
func (r *Registry) ListBanned(ctx context.Context) []string {
	members, err := r.store.SMembers(ctx, bannedSetKey)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list banned identifiers")
		return nil
	}
	return members
}

// ListSlowed returns all slowed identifiers, or an empty slice on store
// error.
func (r *Registry) ListSlowed(ctx context.Context) []string {
	members, err := r.store.SMembers(ctx, slowedSetKey)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list slowed identifiers")
		return nil
	}
	return members
}

// BanMetadata returns the metadata for identifier, or nil if there is none
// (including after TTL expiry) or the store errored.
func (r *Registry) BanMetadata(ctx context.Context, identifier string) *Metadata {
	raw, err := r.store.Get(ctx, banMetaPrefix+identifier)
	if err != nil {
		if err != store.ErrNotFound {
			r.logger.Error().Err(err).Str("identifier", identifier).Msg("failed to read ban metadata")
		}
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		r.logger.Warn().Err(err).Str("identifier", identifier).Msg("corrupt ban metadata")
		return nil
	}
	return &meta
}

// SweepExpired removes ban memberships whose TTL'd metadata has expired.
// Only identifiers banned with WithTTL are considered; permanent bans are
// untouched. Returns the number of memberships removed.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	candidates, err := r.store.SMembers(ctx, tempBanSet)
	if err != nil {
		return 0, fmt.Errorf("sweep expired bans: %w", err)
	}

	removed := 0
	for _, identifier := range candidates {
		_, err := r.store.Get(ctx, banMetaPrefix+identifier)
		if err == nil {
			continue // metadata still present, ban still active
		}
		if err != store.ErrNotFound {
			r.logger.Warn().Err(err).Str("identifier", identifier).Msg("sweep skipped identifier")
			continue
		}
		if err := r.store.SRem(ctx, bannedSetKey, identifier); err != nil {
			r.logger.Warn().Err(err).Str("identifier", identifier).Msg("sweep failed to remove membership")
			continue
		}
		_ = r.store.SRem(ctx, tempBanSet, identifier)
		removed++
		r.logger.Info().Str("identifier", identifier).Msg("expired ban removed")
	}
	return removed, nil
}

func (r *Registry) writeMetadata(ctx context.Context, key string, o banOptions) error {
	meta := Metadata{
		Reason:   o.reason,
		BannedAt: time.Now().UTC(),
		BannedBy: o.bannedBy,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return r.store.Set(ctx, key, string(raw), o.ttl)
}

func applyOptions(opts []BanOption) banOptions {
	var o banOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// isLoopback exempts the local host in any of its spellings.
func isLoopback(identifier string) bool {
	if identifier == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(identifier)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
