// Package store defines the contract the control plane consumes from the
// shared state store and its redis implementation. All durable entities
// (nodes, matches, modules) live here under prefix-per-kind keys; components
// hold no private durable state beyond rebuildable caches.
package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/errs"

	"github.com/stormstack/controlplane/pkg/cperr"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrKeyExists is returned by PutIfAbsent when the key is already taken.
	ErrKeyExists = errs.Class("key exists")

	// ErrValueChanged is returned when the current value of the key does not
	// match the expected old value in CompareAndSwap.
	ErrValueChanged = errs.Class("value changed")

	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errs.Class("empty key")

	// Error wraps transport-level store failures.
	Error = errs.Class("store")
)

// Item is one key/value pair returned by a prefix listing.
type Item struct {
	Key   string
	Value []byte
}

// Store is the keyed map contract of the shared state store. The store is
// assumed HA with monotonic reads per client connection but not linearizable
// across components; callers tolerate stale reads and re-read on CAS failure.
type Store interface {
	// Get returns the value stored at key or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value at key without an expiry.
	Put(ctx context.Context, key string, value []byte) error
	// PutTTL stores value at key with an expiry. TTL resolution is seconds.
	PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent atomically stores value only when key does not exist,
	// returning ErrKeyExists otherwise. A zero ttl means no expiry.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ListPrefix returns all items whose key starts with prefix, sorted by key.
	ListPrefix(ctx context.Context, prefix string) ([]Item, error)
	// CompareAndSwap atomically replaces old with new at key. A nil old
	// requires the key to be absent; a nil new deletes the key. The remaining
	// TTL of an existing key is preserved.
	CompareAndSwap(ctx context.Context, key string, old, new []byte) error
	// TTL returns the remaining time to live of key. Keys without an expiry
	// report a negative duration; missing keys report ErrKeyNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Incr atomically increments the integer counter at key and returns the
	// new value. Missing keys start at zero.
	Incr(ctx context.Context, key string) (int64, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the client connection.
	Close() error
}

// Retry runs op with bounded exponential backoff and jitter, three attempts
// total. Logical failures (not found, exists, value changed) are surfaced
// immediately; transport failures that survive all attempts are wrapped as
// StoreUnavailable.
func Retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ErrKeyNotFound.Has(err) || ErrKeyExists.Has(err) ||
			ErrValueChanged.Has(err) || ErrEmptyKey.Has(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))

	if err != nil && Error.Has(err) {
		return cperr.StoreUnavailable.Wrap(err)
	}
	return err
}
