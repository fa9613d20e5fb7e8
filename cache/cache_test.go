package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(config.LocalCacheConfig{
		Path:          t.TempDir(),
		Capacity:      1 << 20,
		MaxObjectSize: 1 << 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCachePutGet(t *testing.T) {
	c := newTestCache(t)

	payload := []byte("From: a@example.com\r\n\r\nhello")
	require.NoError(t, c.Put(1, "abcd1234", payload))

	got, err := c.Get(1, "abcd1234")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCacheMiss(t *testing.T) {
	c := newTestCache(t)

	_, err := c.Get(1, "missing")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCacheAccountsAreIsolated(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put(1, "samehash", []byte("account one")))
	require.NoError(t, c.Put(2, "samehash", []byte("account two")))

	got1, err := c.Get(1, "samehash")
	require.NoError(t, err)
	got2, err := c.Get(2, "samehash")
	require.NoError(t, err)
	assert.NotEqual(t, got1, got2)
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put(1, "abcd1234", []byte("payload")))
	require.NoError(t, c.Delete(1, "abcd1234"))

	_, err := c.Get(1, "abcd1234")
	assert.ErrorIs(t, err, ErrNotCached)

	// Deleting again is a no-op.
	require.NoError(t, c.Delete(1, "abcd1234"))
}

func TestCacheInvalidateAccount(t *testing.T) {
	c := newTestCache(t)

	require.NoError(t, c.Put(1, "hash1", []byte("one")))
	require.NoError(t, c.Put(1, "hash2", []byte("two")))
	require.NoError(t, c.Put(2, "hash3", []byte("other account")))

	require.NoError(t, c.InvalidateAccount(1))

	_, err := c.Get(1, "hash1")
	assert.ErrorIs(t, err, ErrNotCached)
	_, err = c.Get(1, "hash2")
	assert.ErrorIs(t, err, ErrNotCached)

	got, err := c.Get(2, "hash3")
	require.NoError(t, err)
	assert.Equal(t, []byte("other account"), got)
}

func TestCacheOversizedPayloadSkipped(t *testing.T) {
	c, err := New(config.LocalCacheConfig{
		Path:          t.TempDir(),
		Capacity:      1 << 20,
		MaxObjectSize: 8,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(1, "bighash", []byte("this payload is larger than eight bytes")))

	_, err = c.Get(1, "bighash")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestCachePurgeEvictsLRU(t *testing.T) {
	c, err := New(config.LocalCacheConfig{
		Path:          t.TempDir(),
		Capacity:      32,
		MaxObjectSize: 64,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(1, "older", make([]byte, 24)))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Put(1, "newer", make([]byte, 24)))

	// Touch "older" is skipped: "older" has the earliest accessed_at and
	// must be the eviction victim.
	require.NoError(t, c.purge())

	_, err = c.Get(1, "older")
	assert.ErrorIs(t, err, ErrNotCached)
	_, err = c.Get(1, "newer")
	assert.NoError(t, err)
}
