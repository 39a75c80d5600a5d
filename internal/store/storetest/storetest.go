// Package storetest provides store doubles for exercising failure paths.
package storetest

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is the error every FailingStore operation returns.
var ErrUnavailable = errors.New("storetest: store unavailable")

// FailingStore implements store.Store and fails every operation. It stands
// in for a degraded backend when testing fail-open behavior.
type FailingStore struct{}

func (FailingStore) Get(ctx context.Context, key string) (string, error) {
	return "", ErrUnavailable
}

func (FailingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return ErrUnavailable
}

func (FailingStore) Del(ctx context.Context, key string) error {
	return ErrUnavailable
}

func (FailingStore) SAdd(ctx context.Context, key string, members ...string) error {
	return ErrUnavailable
}

func (FailingStore) SRem(ctx context.Context, key string, members ...string) error {
	return ErrUnavailable
}

func (FailingStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return false, ErrUnavailable
}

func (FailingStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return nil, ErrUnavailable
}

func (FailingStore) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	return 0, ErrUnavailable
}

func (FailingStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	return 0, ErrUnavailable
}

func (FailingStore) Ping(ctx context.Context) error { return ErrUnavailable }

func (FailingStore) Close() error { return nil }
