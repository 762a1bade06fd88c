package store

import (
	"context"
	"errors"
	"time"
)

// slotCount is the number of isolated slots a tenant can land in.
// Slot 0 is reserved for the shared scope.
const slotCount = 16

var (
	ErrClosed          = errors.New("store: closed")
	ErrUnknownDriver   = errors.New("store: unknown driver")
	ErrUnsupportedKind = errors.New("store: unsupported feature kind")
)

// Hash is the set of hash-object operations the response cache needs.
// Every call runs against the slot selected by Store.InSlot.
type Hash interface {
	// HGet returns the field value and whether it exists.
	HGet(ctx context.Context, bucket, field string) (string, bool, error)
	HSet(ctx context.Context, bucket, field, value string) error
	HDel(ctx context.Context, bucket string, fields ...string) error
	HKeys(ctx context.Context, bucket string) ([]string, error)

	// Expire sets a relative expiry on the whole bucket.
	Expire(ctx context.Context, bucket string, ttl time.Duration) error
	// ExpireAt sets an absolute expiry on the whole bucket.
	ExpireAt(ctx context.Context, bucket string, at time.Time) error
	// ExpireTime returns the bucket's absolute expiry as unix seconds.
	// A value <= 0 means no expiry is set (or the bucket does not exist).
	ExpireTime(ctx context.Context, bucket string) (int64, error)
}

// Store is the KV store driver used by the response cache.
// Implemented by the memory store (dev/tests) and the Redis store (prod).
type Store interface {
	// InSlot runs fn against the isolated slot derived from tenantID.
	// Concurrent callers never observe each other's slot.
	InSlot(ctx context.Context, tenantID int64, fn func(h Hash) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Slot maps a tenant to its isolated slot: 0 for the shared scope
// (tenantID <= 0), (tenantID % 15) + 1 otherwise.
func Slot(tenantID int64) int {
	if tenantID <= 0 {
		return 0
	}
	return int(tenantID%(slotCount-1)) + 1
}
