package synceddb_test

import (
	"context"
	"testing"
	"time"

	"github.com/denismitr/synceddb"
	"github.com/denismitr/synceddb/changelog"
	"github.com/denismitr/synceddb/protocol"
	"github.com/denismitr/synceddb/relay"
	"github.com/denismitr/synceddb/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type e2eTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	log    *changelog.Memory
	relay  *relay.Relay
}

func TestEndToEnd(t *testing.T) {
	suite.Run(t, &e2eTestSuite{})
}

func (ets *e2eTestSuite) SetupTest() {
	ets.ctx, ets.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	ets.log = changelog.NewMemory()

	r, err := relay.New(ets.log, nil)
	ets.Require().NoError(err)
	ets.relay = r
}

func (ets *e2eTestSuite) TearDownTest() {
	ets.NoError(ets.relay.Close())
	ets.cancel()
}

// client opens a fresh database connected to the relay
func (ets *e2eTestSuite) client(id string) (*synceddb.DB, *synceddb.SyncClient) {
	t := ets.T()
	db := openTestDB(t, &synceddb.Config{ClientID: id})

	clientEnd, relayEnd := transport.Pipe()
	want := ets.relay.Sessions() + 1
	go func() { _ = ets.relay.Serve(context.Background(), relayEnd) }()
	ets.Require().Eventually(func() bool { return ets.relay.Sessions() == want }, time.Second, time.Millisecond)

	c := db.Connect(clientEnd)
	t.Cleanup(func() { _ = c.Close() })
	return db, c
}

func (ets *e2eTestSuite) entries() []changelog.Entry {
	entries, err := ets.log.GetChanges(ets.ctx, protocol.GetChanges{})
	ets.Require().NoError(err)
	return entries
}

func waitFor(t *testing.T, ch <-chan synceddb.Event) synceddb.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event did not arrive")
		return synceddb.Event{}
	}
}

func eventsOf(s *synceddb.Store, t synceddb.EventType) <-chan synceddb.Event {
	ch := make(chan synceddb.Event, 16)
	s.On(t, func(ev synceddb.Event) error {
		ch <- ev
		return nil
	})
	return ch
}

func (ets *e2eTestSuite) TestCreatePropagatesToOtherClients() {
	dbA, a := ets.client("a")
	dbB, _ := ets.client("b")

	roadsA := mustStore(ets.T(), dbA, "roads")
	roadsB := mustStore(ets.T(), dbB, "roads")
	added := eventsOf(roadsB, synceddb.EventAdd)

	key, err := roadsA.Create(ets.ctx, synceddb.M{"length": 100, "price": 1337})
	ets.Require().NoError(err)
	ets.Require().NoError(a.Push(ets.ctx))

	mine, err := roadsA.Get(ets.ctx, key)
	ets.Require().NoError(err)
	ets.Equal(int64(0), mine.Version())
	ets.Equal(0, mine.DirtyCount())

	ev := waitFor(ets.T(), added)
	ets.Equal(key, ev.Key)
	ets.True(ev.Remote)

	theirs, err := roadsB.Get(ets.ctx, key)
	ets.Require().NoError(err)
	ets.Equal(100, theirs.IntOrDefault("length", 0))
	ets.Equal(0, theirs.DirtyCount())
	ets.Len(added, 0)
}

func (ets *e2eTestSuite) TestUpdatePropagatesToOtherClients() {
	dbA, a := ets.client("a")
	dbB, _ := ets.client("b")

	roadsA := mustStore(ets.T(), dbA, "roads")
	roadsB := mustStore(ets.T(), dbB, "roads")
	added := eventsOf(roadsB, synceddb.EventAdd)
	updated := eventsOf(roadsB, synceddb.EventUpdate)

	key, err := roadsA.Create(ets.ctx, synceddb.M{"length": 100})
	ets.Require().NoError(err)
	ets.Require().NoError(a.Push(ets.ctx))
	waitFor(ets.T(), added)

	before, err := roadsB.Get(ets.ctx, key)
	ets.Require().NoError(err)

	ets.Require().NoError(roadsA.Update(ets.ctx, key, synceddb.M{"length": 110}))
	ets.Require().NoError(a.Push(ets.ctx))

	ev := waitFor(ets.T(), updated)
	ets.Equal(key, ev.Key)
	ets.Equal(before.Version()+1, ev.Record.Version())
	ets.Equal(110, ev.Record.IntOrDefault("length", 0))
	ets.Len(updated, 0)

	mine, err := roadsA.Get(ets.ctx, key)
	ets.Require().NoError(err)
	ets.Equal(ev.Record.Version(), mine.Version())
}

func (ets *e2eTestSuite) TestPushedChangesAreLoggedWithClientVersions() {
	dbA, a := ets.client("a")
	roads := mustStore(ets.T(), dbA, "roads")
	houses := mustStore(ets.T(), dbA, "houses")

	k1, err := roads.Create(ets.ctx, synceddb.M{"length": 1})
	ets.Require().NoError(err)
	_, err = houses.Create(ets.ctx, synceddb.M{"street": "Main"})
	ets.Require().NoError(err)
	ets.Require().NoError(a.Push(ets.ctx))
	ets.Len(ets.entries(), 2)

	ets.Require().NoError(roads.Update(ets.ctx, k1, synceddb.M{"length": 2}))
	ets.Require().NoError(roads.Update(ets.ctx, k1, synceddb.M{"length": 3}))
	ets.Require().NoError(a.Push(ets.ctx, "roads"))

	entries := ets.entries()
	ets.Require().Len(entries, 3)

	last, ok := entries[2].Change.(protocol.Update)
	ets.Require().True(ok)
	ets.Equal(k1, last.Key)
	ets.Equal("a", last.ClientID)

	road, err := roads.Get(ets.ctx, k1)
	ets.Require().NoError(err)
	ets.Equal(road.Version(), last.Version)
	ets.Equal(0, road.DirtyCount())
	ets.JSONEq(`{"length":3}`, string(last.Diff))
}

func (ets *e2eTestSuite) TestLateClientCatchesUpWithPull() {
	dbA, a := ets.client("a")
	roadsA := mustStore(ets.T(), dbA, "roads")
	animalsA := mustStore(ets.T(), dbA, "animals")

	gone, err := roadsA.Create(ets.ctx, synceddb.M{"length": 5})
	ets.Require().NoError(err)
	kept, err := roadsA.Create(ets.ctx, synceddb.M{"length": 7})
	ets.Require().NoError(err)
	_, err = animalsA.Create(ets.ctx, synceddb.M{"name": "Bella", "color": "white"})
	ets.Require().NoError(err)
	ets.Require().NoError(a.Push(ets.ctx))

	ets.Require().NoError(roadsA.Update(ets.ctx, kept, synceddb.M{"length": 8}))
	ets.Require().NoError(roadsA.Delete(ets.ctx, gone))
	ets.Require().NoError(a.Push(ets.ctx))

	dbB, b := ets.client("b")
	roadsB := mustStore(ets.T(), dbB, "roads")
	ets.Require().NoError(b.Pull(ets.ctx, "roads"))

	ets.Equal(1, roadsB.Count())
	road, err := roadsB.Get(ets.ctx, kept)
	ets.Require().NoError(err)
	ets.Equal(8, road.IntOrDefault("length", 0))
	ets.Equal(int64(1), road.Version())

	ets.Equal(0, mustStore(ets.T(), dbB, "animals").Count())

	// pulling again changes nothing
	ets.Require().NoError(b.Pull(ets.ctx))
	ets.Equal(1, roadsB.Count())
	ets.Equal(1, mustStore(ets.T(), dbB, "animals").Count())
}

func (ets *e2eTestSuite) TestRacingUpdatesAreBothAccepted() {
	dbA, a := ets.client("a")
	dbB, b := ets.client("b")
	roadsA := mustStore(ets.T(), dbA, "roads")
	roadsB := mustStore(ets.T(), dbB, "roads")
	added := eventsOf(roadsB, synceddb.EventAdd)

	key, err := roadsA.Create(ets.ctx, synceddb.M{"length": 1})
	ets.Require().NoError(err)
	ets.Require().NoError(a.Push(ets.ctx))
	waitFor(ets.T(), added)

	ets.Require().NoError(roadsA.Update(ets.ctx, key, synceddb.M{"length": 2}))
	ets.Require().NoError(roadsB.Update(ets.ctx, key, synceddb.M{"length": 3}))

	errs := make(chan error, 2)
	go func() { errs <- a.Push(ets.ctx) }()
	go func() { errs <- b.Push(ets.ctx) }()
	ets.NoError(<-errs)
	ets.NoError(<-errs)

	// both updates claim version 1, neither is rejected
	entries := ets.entries()
	ets.Require().Len(entries, 3)
	ets.Equal(entries[1].Change.RecordVersion(), entries[2].Change.RecordVersion())
}

func (ets *e2eTestSuite) TestReset() {
	dbA, a := ets.client("a")
	roads := mustStore(ets.T(), dbA, "roads")

	_, err := roads.Create(ets.ctx, synceddb.M{"length": 1})
	ets.Require().NoError(err)
	ets.Require().NoError(a.Push(ets.ctx))
	ets.Len(ets.entries(), 1)

	ets.Require().NoError(a.Reset(ets.ctx))
	ets.Len(ets.entries(), 0)
}

func TestPullCountsEveryChangeOfTheStore(t *testing.T) {
	ctx := withTimeout(t)
	r, err := relay.New(changelog.NewMemory(), nil)
	require.NoError(t, err)
	defer r.Close()

	dbA := openTestDB(t, nil)
	ca, ra := transport.Pipe()
	go func() { _ = r.Serve(context.Background(), ra) }()
	a := connect(t, dbA, ca)

	roads := mustStore(t, dbA, "roads")
	for i := 0; i < 300; i++ {
		_, err := roads.Create(ctx, synceddb.M{"length": i})
		require.NoError(t, err)
	}
	require.NoError(t, a.Push(ctx))

	dbB := openTestDB(t, nil)
	cb, rb := transport.Pipe()
	go func() { _ = r.Serve(context.Background(), rb) }()
	b := connect(t, dbB, cb)

	require.NoError(t, b.Pull(ctx, "roads"))
	assert.Equal(t, 300, mustStore(t, dbB, "roads").Count())
}
