// Package store provides the key-value backend shared by the ban registry
// and the rate limiter bank. Two implementations exist: an in-memory store
// for tests and single-instance deployments, and a Redis store for
// cross-instance consistency.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store defines the operations the governance layer needs from its backend.
// Keys follow a fixed schema: "ban:ips", "ban:cidrs", "ban:slow" (sets),
// "ban:meta:<identifier>" and "cidr:meta:<cidr>" (values with optional TTL),
// and "ratelimit:<kind>:<identifier>" (sliding windows).
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Set operations, used for ban membership.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// WindowAdd records member in the sliding window at key and returns the
	// number of entries inside the trailing window, including the one just
	// added. Entries older than the window are discarded first, so the trim,
	// the insert and the count act as one atomic step.
	WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error)
	// WindowCount returns the number of entries inside the trailing window
	// without recording anything.
	WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
