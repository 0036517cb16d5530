package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()

	t.Run("frames flow both ways in order", func(t *testing.T) {
		a, b := Pipe()
		defer a.Close()

		require.NoError(t, a.Write(ctx, []byte("one")))
		require.NoError(t, a.Write(ctx, []byte("two")))
		require.NoError(t, b.Write(ctx, []byte("back")))

		f1, err := b.Read(ctx)
		require.NoError(t, err)
		f2, err := b.Read(ctx)
		require.NoError(t, err)
		f3, err := a.Read(ctx)
		require.NoError(t, err)

		assert.Equal(t, "one", string(f1))
		assert.Equal(t, "two", string(f2))
		assert.Equal(t, "back", string(f3))
	})

	t.Run("written frame is copied", func(t *testing.T) {
		a, b := Pipe()
		defer a.Close()

		frame := []byte("abc")
		require.NoError(t, a.Write(ctx, frame))
		frame[0] = 'x'

		got, err := b.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(got))
	})

	t.Run("closing one end closes both", func(t *testing.T) {
		a, b := Pipe()
		require.NoError(t, b.Close())

		_, err := a.Read(ctx)
		assert.True(t, errors.Is(err, ErrClosed))
		assert.True(t, errors.Is(a.Write(ctx, []byte("x")), ErrClosed))
	})

	t.Run("read honours context", func(t *testing.T) {
		a, _ := Pipe()
		defer a.Close()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := a.Read(cctx)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}
