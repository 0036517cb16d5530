package synceddb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/denismitr/synceddb"
	"github.com/denismitr/synceddb/boltkv"
	"github.com/denismitr/synceddb/options"
	"github.com/denismitr/synceddb/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type storeTestSuite struct {
	suite.Suite
	ctx    context.Context
	engine *flakyEngine
	db     *synceddb.DB
	roads  *synceddb.Store
	events *eventRecorder
}

func TestStore(t *testing.T) {
	suite.Run(t, &storeTestSuite{})
}

func (sts *storeTestSuite) SetupTest() {
	sts.ctx = context.Background()
	sts.engine = newFlakyEngine()
	sts.db = openTestDB(sts.T(), &synceddb.Config{Engine: sts.engine, ClientID: "client-a"})
	sts.roads = mustStore(sts.T(), sts.db, "roads")
	sts.events = &eventRecorder{}
	sts.db.Events().Subscribe("roads", sts.events.handle)
}

func (sts *storeTestSuite) TestCreateAssignsKeyVersionAndDirty() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"length": 100, "price": 1337})
	sts.Require().NoError(err)
	sts.NotEmpty(key)

	road, err := sts.roads.Get(sts.ctx, key)
	sts.Require().NoError(err)
	sts.Equal(key, road.Key())
	sts.Equal(int64(0), road.Version())
	sts.Equal(1, road.DirtyCount())
	sts.False(road.Synced())
	sts.Equal(100, road.IntOrDefault("length", 0))
	sts.Equal(key, road.StringOrDefault("key", ""))

	evs := sts.events.all()
	sts.Require().Len(evs, 1)
	sts.Equal(synceddb.EventAdd, evs[0].Type)
	sts.Equal(key, evs[0].Key)
	sts.False(evs[0].Remote)
	sts.Equal(1, evs[0].Record.DirtyCount())

	c, ok := evs[0].Change.(protocol.Create)
	sts.Require().True(ok)
	sts.Equal("client-a", c.ClientID)
}

func (sts *storeTestSuite) TestCreateTakesKeyFromRecord() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"key": "road:1", "length": 10})
	sts.Require().NoError(err)
	sts.Equal("road:1", key)

	key, err = sts.roads.Create(sts.ctx, `{"key":1,"length":20}`)
	sts.Require().NoError(err)
	sts.Equal("1", key)

	_, err = sts.roads.Create(sts.ctx, synceddb.M{"key": "road:1"})
	sts.True(errors.Is(err, synceddb.ErrKeyAlreadyExists))
}

func (sts *storeTestSuite) TestUpdateBeforeFirstSyncKeepsVersion() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"length": 100})
	sts.Require().NoError(err)

	sts.Require().NoError(sts.roads.Update(sts.ctx, key, synceddb.M{"length": 110, "lanes": 2}))

	road, err := sts.roads.Get(sts.ctx, key)
	sts.Require().NoError(err)
	sts.Equal(int64(0), road.Version())
	sts.Equal(2, road.DirtyCount())
	sts.Equal(110, road.IntOrDefault("length", 0))
	sts.Equal(2, road.IntOrDefault("lanes", 0))
	sts.Equal(1, sts.events.count(synceddb.EventUpdate))
}

func (sts *storeTestSuite) TestUpdateRemovesNullFields() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"length": 100, "price": 5})
	sts.Require().NoError(err)

	sts.Require().NoError(sts.roads.Update(sts.ctx, key, `{"price":null}`))

	road, err := sts.roads.Get(sts.ctx, key)
	sts.Require().NoError(err)
	_, err = road.Int("price")
	sts.True(errors.Is(err, synceddb.ErrJsonPathInvalid))
}

func (sts *storeTestSuite) TestUpdateCannotChangeKey() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"length": 100})
	sts.Require().NoError(err)

	err = sts.roads.Update(sts.ctx, key, synceddb.M{"key": "other"})
	sts.True(errors.Is(err, synceddb.ErrInvalidRecord))
}

func (sts *storeTestSuite) TestMissingKeys() {
	_, err := sts.roads.Get(sts.ctx, "nope")
	sts.True(errors.Is(err, synceddb.ErrKeyDoesNotExist))

	err = sts.roads.Update(sts.ctx, "nope", synceddb.M{"length": 1})
	sts.True(errors.Is(err, synceddb.ErrKeyDoesNotExist))

	err = sts.roads.Delete(sts.ctx, "nope")
	sts.True(errors.Is(err, synceddb.ErrKeyDoesNotExist))

	_, err = sts.roads.GetMany(sts.ctx, "nope")
	sts.True(errors.Is(err, synceddb.ErrKeyDoesNotExist))
}

func (sts *storeTestSuite) TestDeleteOfNeverSyncedRecordRemovesIt() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"length": 100})
	sts.Require().NoError(err)

	sts.Require().NoError(sts.roads.Delete(sts.ctx, key))

	_, err = sts.roads.Get(sts.ctx, key)
	sts.True(errors.Is(err, synceddb.ErrKeyDoesNotExist))

	dirty, err := sts.roads.Dirty(sts.ctx)
	sts.Require().NoError(err)
	sts.Len(dirty, 0)
	sts.Equal(0, sts.engine.Len("roads"))
	sts.Equal(1, sts.events.count(synceddb.EventDelete))

	// the key is free again
	_, err = sts.roads.Create(sts.ctx, synceddb.M{"key": key})
	sts.NoError(err)
}

func (sts *storeTestSuite) TestStorageFailureFiresNoEvent() {
	key, err := sts.roads.Create(sts.ctx, synceddb.M{"length": 100})
	sts.Require().NoError(err)
	before := len(sts.events.all())

	sts.engine.breakWrites(true)

	_, err = sts.roads.Create(sts.ctx, synceddb.M{"length": 200})
	sts.True(errors.Is(err, synceddb.ErrStorageFailure))

	err = sts.roads.Update(sts.ctx, key, synceddb.M{"length": 300})
	sts.True(errors.Is(err, synceddb.ErrStorageFailure))

	err = sts.roads.Delete(sts.ctx, key)
	sts.True(errors.Is(err, synceddb.ErrStorageFailure))

	sts.Len(sts.events.all(), before)

	road, err := sts.roads.Get(sts.ctx, key)
	sts.Require().NoError(err)
	sts.Equal(100, road.IntOrDefault("length", 0))
	sts.Equal(1, road.DirtyCount())
	sts.Equal(1, sts.roads.Count())
}

func (sts *storeTestSuite) TestPutSeveralRecordsAtOnce() {
	keys, err := sts.roads.Put(sts.ctx,
		synceddb.M{"length": 100, "price": 1337},
		synceddb.M{"length": 200, "price": 2030},
	)
	sts.Require().NoError(err)
	sts.Require().Len(keys, 2)

	roads, err := sts.roads.GetMany(sts.ctx, keys[0], keys[1])
	sts.Require().NoError(err)
	sts.Equal(100, roads[0].IntOrDefault("length", 0))
	sts.Equal(200, roads[1].IntOrDefault("length", 0))
}

func (sts *storeTestSuite) TestPutReplacesExistingRecord() {
	_, err := sts.roads.Put(sts.ctx, synceddb.M{"key": 1, "length": 100, "price": 1337})
	sts.Require().NoError(err)

	keys, err := sts.roads.Put(sts.ctx, synceddb.M{"key": 1, "length": 110})
	sts.Require().NoError(err)
	sts.Equal([]string{"1"}, keys)

	road, err := sts.roads.Get(sts.ctx, "1")
	sts.Require().NoError(err)
	sts.Equal(110, road.IntOrDefault("length", 0))
	sts.Equal(-1, road.IntOrDefault("price", -1))
	sts.Equal(1, road.IntOrDefault("key", 0))

	sts.Equal(1, sts.events.count(synceddb.EventAdd))
	sts.Equal(1, sts.events.count(synceddb.EventUpdate))
}

func (sts *storeTestSuite) TestFind() {
	for _, key := range []string{"road:10", "road:2", "road:1", "house:1", "road:2:lanes"} {
		_, err := sts.roads.Create(sts.ctx, synceddb.M{"key": key})
		sts.Require().NoError(err)
	}

	keysOf := func(records []*synceddb.Record) []string {
		var keys []string
		for _, r := range records {
			keys = append(keys, r.Key())
		}
		return keys
	}

	all, err := sts.roads.Find(sts.ctx, nil)
	sts.Require().NoError(err)
	sts.Equal([]string{"house:1", "road:1", "road:2", "road:2:lanes", "road:10"}, keysOf(all))

	desc, err := sts.roads.Find(sts.ctx, options.Find().SetOrder(options.Descend))
	sts.Require().NoError(err)
	sts.Equal([]string{"road:10", "road:2:lanes", "road:2", "road:1", "house:1"}, keysOf(desc))

	rng, err := sts.roads.Find(sts.ctx, options.Find().KeyRange("road:1", "road:10"))
	sts.Require().NoError(err)
	sts.Equal([]string{"road:1", "road:2", "road:2:lanes"}, keysOf(rng))

	rngDesc, err := sts.roads.Find(sts.ctx, options.Find().KeyRange("road:1", "road:10").SetOrder(options.Descend))
	sts.Require().NoError(err)
	sts.Equal([]string{"road:2:lanes", "road:2", "road:1"}, keysOf(rngDesc))

	prefix, err := sts.roads.Find(sts.ctx, options.Find().Prefix("road:2"))
	sts.Require().NoError(err)
	sts.Equal([]string{"road:2", "road:2:lanes"}, keysOf(prefix))

	pattern, err := sts.roads.Find(sts.ctx, options.Find().Match("road:*"))
	sts.Require().NoError(err)
	sts.Equal([]string{"road:1", "road:2", "road:2:lanes", "road:10"}, keysOf(pattern))

	limited, err := sts.roads.Find(sts.ctx, options.Find().Prefix("road").Limit(2))
	sts.Require().NoError(err)
	sts.Equal([]string{"road:1", "road:2"}, keysOf(limited))
}

func (sts *storeTestSuite) TestSignedNumericKeysStayApart() {
	_, err := sts.roads.Create(sts.ctx, synceddb.M{"key": "road:1", "length": 1})
	sts.Require().NoError(err)
	_, err = sts.roads.Create(sts.ctx, synceddb.M{"key": "road:+1", "length": 2})
	sts.Require().NoError(err)

	sts.Equal(2, sts.roads.Count())

	road, err := sts.roads.Get(sts.ctx, "road:1")
	sts.Require().NoError(err)
	sts.Equal(1, road.IntOrDefault("length", 0))

	road, err = sts.roads.Get(sts.ctx, "road:+1")
	sts.Require().NoError(err)
	sts.Equal(2, road.IntOrDefault("length", 0))
}

func (sts *storeTestSuite) TestDirty() {
	k1, err := sts.roads.Create(sts.ctx, synceddb.M{"key": "road:1"})
	sts.Require().NoError(err)
	_, err = sts.roads.Create(sts.ctx, synceddb.M{"key": "road:2"})
	sts.Require().NoError(err)

	dirty, err := sts.roads.Dirty(sts.ctx)
	sts.Require().NoError(err)
	sts.Len(dirty, 2)
	sts.Equal(k1, dirty[0].Key())
}

func (sts *storeTestSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(sts.ctx)
	cancel()

	_, err := sts.roads.Create(ctx, synceddb.M{"length": 1})
	sts.True(errors.Is(err, context.Canceled))
	sts.Equal(0, sts.roads.Count())
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, nil)
	animals := mustStore(t, db, "animals")

	_, err := animals.Put(ctx,
		synceddb.M{"name": "Thumper", "race": "rabbit", "color": "brown", "key": "rabbit1"},
		synceddb.M{"name": "Fluffy", "race": "rabbit", "color": "white", "key": "rabbit2"},
		synceddb.M{"name": "Bella", "race": "dog", "color": "white", "key": "dog1"},
	)
	require.NoError(t, err)

	byName, err := animals.Index("byName")
	require.NoError(t, err)
	assert.True(t, byName.Unique())

	byColor, err := animals.Index("byColor")
	require.NoError(t, err)

	t.Run("get by unique index", func(t *testing.T) {
		thumper, err := byName.First(ctx, "Thumper")
		require.NoError(t, err)
		assert.Equal(t, "rabbit1", thumper.Key())
		assert.Equal(t, "brown", thumper.StringOrDefault("color", ""))

		_, err = byName.First(ctx, "Nobody")
		assert.True(t, errors.Is(err, synceddb.ErrKeyDoesNotExist))
	})

	t.Run("multiple records come in key order", func(t *testing.T) {
		white, err := byColor.Get(ctx, "white")
		require.NoError(t, err)
		require.Len(t, white, 2)
		assert.Equal(t, "Bella", white[0].StringOrDefault("name", ""))
		assert.Equal(t, "Fluffy", white[1].StringOrDefault("name", ""))

		brown, err := byColor.Get(ctx, "brown")
		require.NoError(t, err)
		assert.Len(t, brown, 1)
	})

	t.Run("unique violation", func(t *testing.T) {
		_, err := animals.Create(ctx, synceddb.M{"name": "Bella", "color": "black"})
		assert.True(t, errors.Is(err, synceddb.ErrUniqueViolation))

		err = animals.Update(ctx, "rabbit2", synceddb.M{"name": "Thumper"})
		assert.True(t, errors.Is(err, synceddb.ErrUniqueViolation))

		// same record keeps its own value
		assert.NoError(t, animals.Update(ctx, "rabbit1", synceddb.M{"name": "Thumper", "color": "grey"}))
	})

	t.Run("index follows updates and deletes", func(t *testing.T) {
		require.NoError(t, animals.Update(ctx, "dog1", synceddb.M{"color": "black"}))

		white, err := byColor.Get(ctx, "white")
		require.NoError(t, err)
		require.Len(t, white, 1)
		assert.Equal(t, "rabbit2", white[0].Key())

		require.NoError(t, animals.Delete(ctx, "rabbit2"))
		white, err = byColor.Get(ctx, "white")
		require.NoError(t, err)
		assert.Len(t, white, 0)
	})

	t.Run("numbers", func(t *testing.T) {
		roads := mustStore(t, db, "roads")
		_, err := roads.Put(ctx, synceddb.M{"length": 133, "key": "a"}, synceddb.M{"length": 133.0, "key": "b"}, synceddb.M{"length": "133", "key": "c"})
		require.NoError(t, err)

		byLength, err := roads.Index("byLength")
		require.NoError(t, err)

		found, err := byLength.Get(ctx, 133)
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})

	t.Run("unknown index", func(t *testing.T) {
		_, err := animals.Index("bySpecies")
		assert.True(t, errors.Is(err, synceddb.ErrIndexNotFound))
	})
}

func TestOpen(t *testing.T) {
	t.Run("unknown store", func(t *testing.T) {
		db := openTestDB(t, nil)
		_, err := db.Store("books")
		assert.True(t, errors.Is(err, synceddb.ErrStoreNotFound))
		assert.Equal(t, []string{"animals", "houses", "roads"}, db.StoreNames())
	})

	t.Run("duplicate schema", func(t *testing.T) {
		_, _, err := synceddb.Open(&synceddb.Config{Stores: []*synceddb.Schema{
			synceddb.NewSchema("roads"), synceddb.NewSchema("roads"),
		}})
		assert.Error(t, err)
	})

	t.Run("records and sync state survive reopen with bolt", func(t *testing.T) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "client.db")

		engine, err := boltkv.Open(path, nil)
		require.NoError(t, err)

		db, closer, err := synceddb.Open(&synceddb.Config{Engine: engine, Stores: testSchemas()})
		require.NoError(t, err)

		animals := mustStore(t, db, "animals")
		_, err = animals.Create(ctx, synceddb.M{"key": "dog1", "name": "Bella", "color": "white"})
		require.NoError(t, err)
		require.NoError(t, closer())

		engine, err = boltkv.Open(path, nil)
		require.NoError(t, err)
		db, closer, err = synceddb.Open(&synceddb.Config{Engine: engine, Stores: testSchemas()})
		require.NoError(t, err)
		defer closer()

		animals = mustStore(t, db, "animals")
		bella, err := animals.Get(ctx, "dog1")
		require.NoError(t, err)
		assert.Equal(t, 1, bella.DirtyCount())

		byName, err := animals.Index("byName")
		require.NoError(t, err)
		found, err := byName.First(ctx, "Bella")
		require.NoError(t, err)
		assert.Equal(t, "dog1", found.Key())

		_, err = db.Store("animals")
		require.NoError(t, err)
	})
}
