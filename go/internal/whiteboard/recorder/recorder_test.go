package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lingocall/boardsync/go/internal/wbconfig"
	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport"
	"github.com/lingocall/boardsync/go/internal/whiteboard/wire"
)

func testConfig() *wbconfig.Config {
	config := wbconfig.Default()
	config.Room.ID = "lesson"
	config.Sync.Interval = 10 * time.Millisecond
	config.Sync.EchoWindow = 20 * time.Millisecond
	config.Sync.SaveDelay = 10 * time.Millisecond
	return &config
}

func TestRecorderPersistsRoom(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	hub := transport.NewHub()
	store := snapshot.NewMemoryStore()

	rec, err := New(testConfig(), store, WithDialer(func(context.Context) (transport.Transport, error) {
		return hub.Join("lesson", "recorder"), nil
	}))
	require.NoError(err)

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.Eventually(func() bool {
		return hub.Participants("lesson") == 1
	}, time.Second, 5*time.Millisecond)

	peer := hub.Join("lesson", "tutor")
	defer peer.Close()

	el := scene.Element{ID: "arrow", Version: 2}
	data, err := wire.EncodeUpdate(wire.Meta{RoomID: "lesson", SenderID: "tutor"}, scene.Delta{Changed: []scene.Element{el}})
	require.NoError(err)

	// the recorder may not be listening yet; duplicates merge away
	require.Eventually(func() bool {
		_ = peer.Send(ctx, data)
		snap, err := store.Load(ctx, "lesson")
		return err == nil && len(snap.Elements) == 1 && snap.Elements[0].Version == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(<-done)
	require.GreaterOrEqual(rec.Metrics().Merges, uint64(1))
	require.Len(rec.Board().Elements(), 1)
}

func TestRecorderStopsWhenTransportCloses(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := transport.NewHub()
	store := snapshot.NewMemoryStore()
	endpoints := make(chan *transport.Endpoint, 1)

	rec, err := New(testConfig(), store, WithDialer(func(context.Context) (transport.Transport, error) {
		ep := hub.Join("lesson", "recorder")
		endpoints <- ep
		return ep, nil
	}))
	require.NoError(err)

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	ep := <-endpoints
	require.NoError(ep.Close())

	select {
	case err := <-done:
		require.ErrorIs(err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder kept running on a closed transport")
	}
	require.Zero(hub.Participants("lesson"))
}

func TestNewRequiresRoom(t *testing.T) {
	config := wbconfig.Default()
	_, err := New(&config, nil)
	require.Error(t, err)

	config.Room.ID = "r"
	rec, err := New(&config, nil)
	require.NoError(t, err)
	require.Contains(t, rec.Board().OwnerID(), "recorder-")
}
