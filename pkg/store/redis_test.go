package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormstack/controlplane/pkg/cperr"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mini := miniredis.RunT(t)
	client, err := Open(context.Background(), mini.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGetPut(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.Get(ctx, "missing")
	assert.True(t, ErrKeyNotFound.Has(err))

	require.NoError(t, client.Put(ctx, "key", []byte("value")))
	got, err := client.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	_, err = client.Get(ctx, "")
	assert.True(t, ErrEmptyKey.Has(err))
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.PutIfAbsent(ctx, "claim", []byte("first"), 0))

	err := client.PutIfAbsent(ctx, "claim", []byte("second"), 0)
	assert.True(t, ErrKeyExists.Has(err))

	got, err := client.Get(ctx, "claim")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	// nil old claims an absent key.
	require.NoError(t, client.CompareAndSwap(ctx, "cas", nil, []byte("v1")))

	// matching old swaps.
	require.NoError(t, client.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v2")))

	// stale old fails.
	err := client.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v3"))
	assert.True(t, ErrValueChanged.Has(err))

	got, err := client.Get(ctx, "cas")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	// nil new deletes.
	require.NoError(t, client.CompareAndSwap(ctx, "cas", []byte("v2"), nil))
	_, err = client.Get(ctx, "cas")
	assert.True(t, ErrKeyNotFound.Has(err))

	// old required but key absent.
	err = client.CompareAndSwap(ctx, "cas", []byte("v2"), []byte("v3"))
	assert.True(t, ErrKeyNotFound.Has(err))
}

func TestTTLAndExpiry(t *testing.T) {
	ctx := context.Background()
	mini := miniredis.RunT(t)
	client, err := Open(ctx, mini.Addr(), "", 0)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	require.NoError(t, client.PutTTL(ctx, "lease", []byte("v"), 30*time.Second))

	ttl, err := client.TTL(ctx, "lease")
	require.NoError(t, err)
	assert.Greater(t, ttl, 20*time.Second)

	_, err = client.TTL(ctx, "missing")
	assert.True(t, ErrKeyNotFound.Has(err))

	mini.FastForward(31 * time.Second)
	_, err = client.Get(ctx, "lease")
	assert.True(t, ErrKeyNotFound.Has(err))
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.Put(ctx, "node:b", []byte("2")))
	require.NoError(t, client.Put(ctx, "node:a", []byte("1")))
	require.NoError(t, client.Put(ctx, "match:x", []byte("3")))

	items, err := client.ListPrefix(ctx, "node:")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "node:a", items[0].Key)
	assert.Equal(t, "node:b", items[1].Key)

	items, err = client.ListPrefix(ctx, "nothing:")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	n, err := client.Incr(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.Incr(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	require.NoError(t, client.Put(ctx, "key", []byte("v")))
	require.NoError(t, client.Delete(ctx, "key"))
	require.NoError(t, client.Delete(ctx, "key"))
}

func TestRetrySurfacesLogicalErrorsImmediately(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		return ErrKeyNotFound.New("gone")
	})
	assert.True(t, ErrKeyNotFound.Has(err))
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustionWrapsStoreUnavailable(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		return Error.New("connection refused")
	})
	require.Error(t, err)
	assert.True(t, cperr.StoreUnavailable.Has(err))
	assert.Equal(t, 3, calls)
}

func TestRetryRecoversOnLaterAttempt(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Retry(ctx, func() error {
		calls++
		if calls < 2 {
			return Error.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
