package lru

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCache(t *testing.T) {
	t.Run("zero shards", func(t *testing.T) {
		_, err := NewCache(0, 1024, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidSharding))
	})

	t.Run("less bytes than shards", func(t *testing.T) {
		_, err := NewCache(16, 8, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrIllegalCapacity))
	})
}

func TestCache_Add(t *testing.T) {
	t.Run("just add with no eviction", func(t *testing.T) {
		evicted := 0
		onEvict := func(k uint64, v []byte) {
			evicted++
		}

		c, err := NewCache(2, 1024, onEvict)
		require.NoError(t, err)

		for i := 0; i < 100; i += 5 {
			c.Add(uint64(i), []byte(fmt.Sprintf("Value %d", i)))
		}

		for i := 0; i < 100; i += 5 {
			v, ok := c.Get(uint64(i))
			require.True(t, ok)
			assert.Exactly(t, []byte(fmt.Sprintf("Value %d", i)), v)
		}

		assert.Equal(t, 0, evicted)
		assert.Equal(t, 20, c.Count())
	})

	t.Run("single shard evicts least recently used", func(t *testing.T) {
		var evictedKeys []uint64
		c, err := NewCache(1, 30, func(k uint64, v []byte) {
			evictedKeys = append(evictedKeys, k)
		})
		require.NoError(t, err)

		assert.False(t, c.Add(1, []byte("0123456789")))
		assert.False(t, c.Add(2, []byte("0123456789")))
		assert.False(t, c.Add(3, []byte("0123456789")))

		_, ok := c.Get(1)
		require.True(t, ok)

		assert.True(t, c.Add(4, []byte("0123456789")))
		assert.Equal(t, []uint64{2}, evictedKeys)

		_, ok = c.Get(2)
		assert.False(t, ok)
		assert.Equal(t, 3, c.Count())
		assert.Equal(t, uint64(30), c.Bytes())
	})

	t.Run("replacing a key does not grow the cache", func(t *testing.T) {
		c, err := NewCache(1, 100, nil)
		require.NoError(t, err)

		c.Add(7, []byte("short"))
		c.Add(7, []byte("a bit longer"))

		v, ok := c.Get(7)
		require.True(t, ok)
		assert.Equal(t, "a bit longer", string(v))
		assert.Equal(t, 1, c.Count())
		assert.Equal(t, uint64(len("a bit longer")), c.Bytes())
	})

	t.Run("value larger than a shard is not cached", func(t *testing.T) {
		c, err := NewCache(2, 20, nil)
		require.NoError(t, err)

		assert.False(t, c.Add(1, make([]byte, 11)))
		_, ok := c.Get(1)
		assert.False(t, ok)
	})
}

func TestCache_RemoveAndPurge(t *testing.T) {
	c, err := NewCache(4, 4096, nil)
	require.NoError(t, err)

	for i := uint64(1); i <= 50; i++ {
		c.Add(i, []byte("payload"))
	}

	c.Remove(10)
	_, ok := c.Get(10)
	assert.False(t, ok)
	assert.Equal(t, 49, c.Count())

	c.Purge()
	assert.Equal(t, 0, c.Count())
	assert.Equal(t, uint64(0), c.Bytes())
}
