package memkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine(t *testing.T) {
	e := New()

	require.NoError(t, e.Put("roads", "b", []byte("2")))
	require.NoError(t, e.Put("roads", "a", []byte("1")))
	require.NoError(t, e.Put("roads", "c", []byte("3")))
	require.NoError(t, e.Put("cities", "a", []byte("x")))

	t.Run("get", func(t *testing.T) {
		v, ok, err := e.Get("roads", "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1", string(v))

		_, ok, err = e.Get("roads", "z")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = e.Get("rivers", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("returned value is a copy", func(t *testing.T) {
		v, _, err := e.Get("roads", "b")
		require.NoError(t, err)
		v[0] = 'x'

		again, _, err := e.Get("roads", "b")
		require.NoError(t, err)
		assert.Equal(t, "2", string(again))
	})

	t.Run("scan in key order and stop early", func(t *testing.T) {
		var keys []string
		require.NoError(t, e.Scan("roads", func(key string, value []byte) bool {
			keys = append(keys, key)
			return true
		}))
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		keys = nil
		require.NoError(t, e.Scan("roads", func(key string, value []byte) bool {
			keys = append(keys, key)
			return len(keys) < 2
		}))
		assert.Equal(t, []string{"a", "b"}, keys)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, e.Delete("roads", "b"))
		require.NoError(t, e.Delete("roads", "missing"))
		assert.Equal(t, 2, e.Len("roads"))
		assert.Equal(t, 1, e.Len("cities"))
	})

	t.Run("closed", func(t *testing.T) {
		require.NoError(t, e.Close())
		assert.ErrorIs(t, e.Put("roads", "a", nil), ErrEngineClosed)
		_, _, err := e.Get("roads", "a")
		assert.ErrorIs(t, err, ErrEngineClosed)
	})
}
