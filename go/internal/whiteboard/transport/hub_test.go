package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) add(data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, string(data))
}

func (i *inbox) get() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func TestHubBroadcastsWithinRoomOnly(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub := NewHub()
	alice := hub.Join("room-1", "alice")
	bob := hub.Join("room-1", "bob")
	carol := hub.Join("room-2", "carol")
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	var aliceIn, bobIn, carolIn inbox
	alice.OnReceive(aliceIn.add)
	bob.OnReceive(bobIn.add)
	carol.OnReceive(carolIn.add)

	require.NoError(alice.Send(ctx, []byte("one")))
	require.NoError(alice.Send(ctx, []byte("two")))

	require.Eventually(func() bool {
		return len(bobIn.get()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal([]string{"one", "two"}, bobIn.get())
	require.Empty(aliceIn.get())
	require.Empty(carolIn.get())
	require.Equal(2, hub.Participants("room-1"))
}

func TestHubDuplicates(t *testing.T) {
	require := require.New(t)

	hub := NewHub(WithDuplicates())
	alice := hub.Join("r", "alice")
	bob := hub.Join("r", "bob")
	defer alice.Close()
	defer bob.Close()

	var bobIn inbox
	bob.OnReceive(bobIn.add)
	require.NoError(alice.Send(context.Background(), []byte("x")))

	require.Eventually(func() bool {
		return len(bobIn.get()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestEndpointUnsubscribeAndClose(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	hub := NewHub()
	alice := hub.Join("r", "alice")
	bob := hub.Join("r", "bob")

	var first, second inbox
	unsubscribe := bob.OnReceive(first.add)
	bob.OnReceive(second.add)
	unsubscribe()
	unsubscribe()

	require.NoError(alice.Send(ctx, []byte("x")))
	require.Eventually(func() bool {
		return len(second.get()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Empty(first.get())

	require.NoError(alice.Close())
	require.NoError(alice.Close())
	select {
	case <-alice.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	err := alice.Send(ctx, []byte("y"))

	var sendErr *SendError
	require.True(errors.As(err, &sendErr))
	require.ErrorIs(err, ErrClosed)
	require.Equal(1, hub.Participants("r"))
	require.NoError(bob.Close())
	require.Equal(0, hub.Participants("r"))
}
