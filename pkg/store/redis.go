package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the redis-backed Store used in production. REDIS_HOSTS style
// addresses ("host:port[,host:port...]") map onto a universal client so a
// single instance, sentinel set, or cluster all work unchanged.
type Client struct {
	db redis.UniversalClient
}

// Open connects to redis and verifies the connection with a ping.
func Open(ctx context.Context, hosts, password string, db int) (*Client, error) {
	addrs := strings.Split(hosts, ",")
	for i := range addrs {
		addrs[i] = strings.TrimSpace(addrs[i])
	}

	client := &Client{
		db: redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: password,
			DB:       db,
		}),
	}

	if err := client.db.Ping(ctx).Err(); err != nil {
		_ = client.db.Close()
		return nil, Error.New("ping failed: %v", err)
	}
	return client, nil
}

// Get looks up the provided key, returning either the value or an error.
func (client *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey.New("")
	}
	return get(ctx, client.db, key)
}

// Put stores value at key without an expiry.
func (client *Client) Put(ctx context.Context, key string, value []byte) error {
	return client.PutTTL(ctx, key, value, 0)
}

// PutTTL stores value at key; a positive ttl sets the expiry.
func (client *Client) PutTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey.New("")
	}
	return put(ctx, client.db, key, value, ttl)
}

// PutIfAbsent atomically claims key, failing with ErrKeyExists when taken.
func (client *Client) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey.New("")
	}
	ok, err := client.db.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return Error.New("setnx error: %v", err)
	}
	if !ok {
		return ErrKeyExists.New("%q", key)
	}
	return nil
}

// Delete removes a key/value pair. Missing keys are not an error.
func (client *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey.New("")
	}
	if err := client.db.Del(ctx, key).Err(); err != nil {
		return Error.New("delete error: %v", err)
	}
	return nil
}

// ListPrefix scans for all keys under prefix and returns the surviving items
// sorted by key. Keys that expire mid-scan are skipped.
func (client *Client) ListPrefix(ctx context.Context, prefix string) ([]Item, error) {
	it := client.db.Scan(ctx, 0, prefix+"*", 0).Iterator()

	seen := make(map[string]struct{})
	var items []Item
	for it.Next(ctx) {
		key := it.Val()
		// redis may return duplicates
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		value, err := get(ctx, client.db, key)
		if ErrKeyNotFound.Has(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Key: key, Value: value})
	}
	if err := it.Err(); err != nil {
		return nil, Error.New("scan error: %v", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// CompareAndSwap atomically compares and swaps old with new, preserving any
// remaining TTL on the key.
func (client *Client) CompareAndSwap(ctx context.Context, key string, old, new []byte) error {
	if key == "" {
		return ErrEmptyKey.New("")
	}

	txf := func(tx *redis.Tx) error {
		value, err := get(ctx, tx, key)
		if ErrKeyNotFound.Has(err) {
			if old != nil {
				return ErrKeyNotFound.New("%q", key)
			}
			if new == nil {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return put(ctx, pipe, key, new, 0)
			})
			return err
		}
		if err != nil {
			return err
		}

		if !bytes.Equal(value, old) {
			return ErrValueChanged.New("%q", key)
		}

		// runs only if the watched key remains unchanged
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if new == nil {
				if err := pipe.Del(ctx, key).Err(); err != nil {
					return Error.New("delete error: %v", err)
				}
				return nil
			}
			return put(ctx, pipe, key, new, redis.KeepTTL)
		})
		return err
	}

	err := client.db.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrValueChanged.New("%q", key)
	}
	if err != nil && !isClass(err) {
		return Error.Wrap(err)
	}
	return err
}

// TTL reports the remaining time to live of key. Keys without an expiry
// report a negative duration.
func (client *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if key == "" {
		return 0, ErrEmptyKey.New("")
	}
	d, err := client.db.PTTL(ctx, key).Result()
	if err != nil {
		return 0, Error.New("pttl error: %v", err)
	}
	if d == -2 {
		return 0, ErrKeyNotFound.New("%q", key)
	}
	return d, nil
}

// Incr atomically increments the counter at key.
func (client *Client) Incr(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey.New("")
	}
	n, err := client.db.Incr(ctx, key).Result()
	if err != nil {
		return 0, Error.New("incr error: %v", err)
	}
	return n, nil
}

// Ping verifies the connection is alive.
func (client *Client) Ping(ctx context.Context) error {
	if err := client.db.Ping(ctx).Err(); err != nil {
		return Error.New("ping failed: %v", err)
	}
	return nil
}

// FlushDB deletes all keys in the selected database. Test helper.
func (client *Client) FlushDB(ctx context.Context) error {
	return Error.Wrap(client.db.FlushDB(ctx).Err())
}

// Close closes the underlying redis client.
func (client *Client) Close() error {
	return client.db.Close()
}

func isClass(err error) bool {
	return ErrKeyNotFound.Has(err) || ErrValueChanged.Has(err) ||
		ErrKeyExists.Has(err) || ErrEmptyKey.Has(err) || Error.Has(err)
}

func get(ctx context.Context, cmdable redis.Cmdable, key string) ([]byte, error) {
	value, err := cmdable.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

func put(ctx context.Context, cmdable redis.Cmdable, key string, value []byte, ttl time.Duration) error {
	if err := cmdable.Set(ctx, key, value, ttl).Err(); err != nil {
		return Error.New("put error: %v", err)
	}
	return nil
}
