package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
)

func TestMemoryStore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "room")
	require.ErrorIs(err, ErrNotFound)

	snap := &Snapshot{
		RoomID:     "room",
		Elements:   []scene.Element{{ID: "a", Version: 2}},
		ViewState:  scene.ViewState{ViewBackgroundColor: "#fff"},
		Tombstones: []string{"b"},
		SavedAt:    time.Now(),
	}
	require.NoError(store.Save(ctx, snap))

	// stored copies are isolated from the caller
	snap.Elements[0].Version = 9
	snap.Tombstones[0] = "z"

	got, err := store.Load(ctx, "room")
	require.NoError(err)
	require.Equal(int64(2), got.Elements[0].Version)
	require.Equal([]string{"b"}, got.Tombstones)
	require.Equal("#fff", got.ViewState.ViewBackgroundColor)

	got.Elements[0].Version = 7
	again, err := store.Load(ctx, "room")
	require.NoError(err)
	require.Equal(int64(2), again.Elements[0].Version)
}
