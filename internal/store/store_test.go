package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/connmgr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(context.Background(), db))
}

func TestUpsertPeerKeepsKnownFields(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	t0 := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, db.UpsertPeer(ctx, PeerRecord{
		ID: "AA:BB:CC:DD:EE:01", Address: "AA:BB:CC:DD:EE:01", Name: "meter", Class: 0x1f00,
		LastState: "connected", LastSeen: t0,
	}))
	require.NoError(t, db.CountFrame(ctx, "AA:BB:CC:DD:EE:01", t0.Add(time.Second)))
	require.NoError(t, db.UpsertPeer(ctx, PeerRecord{
		ID: "AA:BB:CC:DD:EE:01", Address: "AA:BB:CC:DD:EE:01",
		LastState: "disconnected", LastSeen: t0.Add(2 * time.Second),
	}))

	peers, err := db.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	p := peers[0]
	assert.Equal(t, "meter", p.Name)
	assert.Equal(t, uint32(0x1f00), p.Class)
	assert.Equal(t, "disconnected", p.LastState)
	assert.Equal(t, int64(1), p.Frames)
	assert.True(t, p.LastSeen.Equal(t0.Add(2*time.Second)))
}

func TestRecentEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	t0 := time.UnixMilli(1_700_000_000_000)

	for i, kind := range []string{"connectionSuccess", "error", "connectionLost"} {
		_, err := db.InsertEvent(ctx, EventRecord{Kind: kind, Peer: "p", At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	events, err := db.RecentEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "connectionLost", events[0].Kind)
	assert.Equal(t, "error", events[1].Kind)

	all, err := db.RecentEvents(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecorder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := openTestDB(t)
	rec := NewRecorder(db, nil)

	peer := connmgr.Peer{ID: "AA:BB:CC:DD:EE:01", Address: "AA:BB:CC:DD:EE:01", Name: "meter"}
	events := make(chan connmgr.Event, 8)
	events <- connmgr.Event{Kind: connmgr.EventConnectionSuccess, Peer: &peer, PeerID: peer.ID, Message: "Connected"}
	events <- connmgr.Event{Kind: connmgr.EventData, PeerID: peer.ID, Data: "a\n"}
	events <- connmgr.Event{Kind: connmgr.EventData, PeerID: peer.ID, Data: "b\n"}
	events <- connmgr.Event{Kind: connmgr.EventConnectionLost, Peer: &peer, PeerID: peer.ID, Message: "lost"}
	close(events)

	require.NoError(t, rec.Run(ctx, events))

	peers, err := db.ListPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "disconnected", peers[0].LastState)
	assert.Equal(t, int64(2), peers[0].Frames)

	history, err := db.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "data events are counted, not stored")
	assert.Equal(t, "connectionLost", history[0].Kind)
	assert.Equal(t, "connectionSuccess", history[1].Kind)
}
