// Package changelogtest holds the behaviour every changelog.ChangeLog implementation must share.
package changelogtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/denismitr/synceddb/changelog"
	"github.com/denismitr/synceddb/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty change log. Cleanup is the caller's business via t.Cleanup.
type Factory func(t *testing.T) changelog.ChangeLog

func Run(t *testing.T, newLog Factory) {
	ctx := context.Background()

	t.Run("history comes back in insertion order", func(t *testing.T) {
		cl := newLog(t)

		saved := []protocol.Change{
			protocol.Create{StoreName: "roads", Key: "a", Record: json.RawMessage(`{"key":"a","length":10}`), ClientID: "c1", Timestamp: 1},
			protocol.Update{StoreName: "roads", Key: "a", Diff: json.RawMessage(`{"length":20}`), Version: 1, ClientID: "c1", Timestamp: 2},
			protocol.Delete{StoreName: "roads", Key: "a", Version: 2, ClientID: "c2", Timestamp: 3},
		}

		var lastSeq uint64
		for _, c := range saved {
			ent, err := cl.SaveChange(ctx, c)
			require.NoError(t, err)
			assert.Greater(t, ent.Seq, lastSeq)
			lastSeq = ent.Seq
		}

		got, err := cl.GetChanges(ctx, protocol.GetChanges{StoreNames: []string{"roads"}})
		require.NoError(t, err)
		require.Len(t, got, 3)

		for i := range saved {
			AssertSameChange(t, saved[i], got[i].Change)
		}
	})

	t.Run("filters by store names", func(t *testing.T) {
		cl := newLog(t)

		for i, store := range []string{"roads", "cities", "roads", "rivers"} {
			_, err := cl.SaveChange(ctx, protocol.Create{
				StoreName: store,
				Key:       fmt.Sprintf("k%d", i),
				Record:    json.RawMessage(`{}`),
			})
			require.NoError(t, err)
		}

		roads, err := cl.GetChanges(ctx, protocol.GetChanges{StoreNames: []string{"roads"}})
		require.NoError(t, err)
		require.Len(t, roads, 2)
		assert.Equal(t, "k0", roads[0].Change.RecordKey())
		assert.Equal(t, "k2", roads[1].Change.RecordKey())

		two, err := cl.GetChanges(ctx, protocol.GetChanges{StoreNames: []string{"cities", "rivers"}})
		require.NoError(t, err)
		assert.Len(t, two, 2)

		none, err := cl.GetChanges(ctx, protocol.GetChanges{StoreNames: []string{"lakes"}})
		require.NoError(t, err)
		assert.Len(t, none, 0)

		all, err := cl.GetChanges(ctx, protocol.GetChanges{})
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("rejects changes without store or key", func(t *testing.T) {
		cl := newLog(t)

		_, err := cl.SaveChange(ctx, protocol.Delete{Key: "a", Version: 1})
		assert.True(t, errors.Is(err, changelog.ErrInvalidChange))

		_, err = cl.SaveChange(ctx, protocol.Update{StoreName: "roads", Diff: json.RawMessage(`{}`)})
		assert.True(t, errors.Is(err, changelog.ErrInvalidChange))

		all, err := cl.GetChanges(ctx, protocol.GetChanges{})
		require.NoError(t, err)
		assert.Len(t, all, 0)
	})

	t.Run("reset wipes the history", func(t *testing.T) {
		cl := newLog(t)

		_, err := cl.SaveChange(ctx, protocol.Create{StoreName: "roads", Key: "a", Record: json.RawMessage(`{}`)})
		require.NoError(t, err)

		require.NoError(t, cl.ResetChanges(ctx))

		all, err := cl.GetChanges(ctx, protocol.GetChanges{})
		require.NoError(t, err)
		assert.Len(t, all, 0)

		_, err = cl.SaveChange(ctx, protocol.Create{StoreName: "roads", Key: "b", Record: json.RawMessage(`{}`)})
		require.NoError(t, err)

		all, err = cl.GetChanges(ctx, protocol.GetChanges{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "b", all[0].Change.RecordKey())
	})

	t.Run("concurrent saves get distinct sequence numbers", func(t *testing.T) {
		cl := newLog(t)

		const writers = 8
		const perWriter = 10

		var wg sync.WaitGroup
		wg.Add(writers)
		for w := 0; w < writers; w++ {
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := cl.SaveChange(ctx, protocol.Create{
						StoreName: "roads",
						Key:       fmt.Sprintf("w%d-%d", w, i),
						Record:    json.RawMessage(`{}`),
					})
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		all, err := cl.GetChanges(ctx, protocol.GetChanges{})
		require.NoError(t, err)
		require.Len(t, all, writers*perWriter)

		seen := make(map[uint64]struct{}, len(all))
		for i, ent := range all {
			if i > 0 {
				assert.Greater(t, ent.Seq, all[i-1].Seq)
			}
			seen[ent.Seq] = struct{}{}
		}
		assert.Len(t, seen, writers*perWriter)
	})
}

// AssertSameChange compares two changes by their wire form.
func AssertSameChange(t *testing.T, expected, actual protocol.Change) {
	t.Helper()

	exp, err := protocol.Encode(expected)
	require.NoError(t, err)
	act, err := protocol.Encode(actual)
	require.NoError(t, err)

	assert.JSONEq(t, string(exp), string(act))
}
