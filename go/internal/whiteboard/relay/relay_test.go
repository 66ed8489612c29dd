package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
	"github.com/lingocall/boardsync/go/internal/whiteboard/session"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/token"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport/wsclient"
	"github.com/lingocall/boardsync/go/internal/whiteboard/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type frames struct {
	mu  sync.Mutex
	got []string
}

func (f *frames) add(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, string(data))
}

func (f *frames) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func startRelay(t *testing.T, minter *token.Minter, store snapshot.Store) (*Service, *httptest.Server) {
	ctx, cancel := context.WithCancel(context.Background())

	svc, err := NewService(ctx, DefaultConfig(), minter, store)
	require.NoError(t, err)
	go svc.Start(ctx)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return svc, server
}

func dial(t *testing.T, server *httptest.Server, room, participant string) *wsclient.Client {
	config := wsclient.DefaultConfig()
	config.RelayURL = server.URL
	config.RoomID = room
	config.ParticipantID = participant

	client, err := wsclient.Dial(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRelayForwardsWithinRoom(t *testing.T) {
	require := require.New(t)
	svc, server := startRelay(t, nil, nil)

	alice := dial(t, server, "r1", "alice")
	bob := dial(t, server, "r1", "bob")
	carol := dial(t, server, "r2", "carol")

	var aliceIn, bobIn, carolIn frames
	alice.OnReceive(aliceIn.add)
	bob.OnReceive(bobIn.add)
	carol.OnReceive(carolIn.add)

	require.Eventually(func() bool {
		return svc.GetStats().TotalConnections == 3
	}, waitFor, tick)

	require.NoError(alice.Send(context.Background(), []byte(`{"type":"excalidraw-clear"}`)))
	require.Eventually(func() bool {
		return len(bobIn.list()) == 1
	}, waitFor, tick)

	// frames are relayed as is
	require.Equal([]string{`{"type":"excalidraw-clear"}`}, bobIn.list())
	time.Sleep(50 * time.Millisecond)
	require.Empty(aliceIn.list())
	require.Empty(carolIn.list())

	stats := svc.GetStats()
	require.Equal(2, stats.ActiveRooms)
	require.Equal(2, stats.RoomConnections["r1"])
}

func TestRelaySessionsConverge(t *testing.T) {
	require := require.New(t)
	svc, server := startRelay(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boards := map[string]*scene.Board{}
	for _, id := range []string{"alice", "bob"} {
		board := scene.NewBoard(id)
		boards[id] = board
		s := session.New(session.Config{RoomID: "lesson", ParticipantID: id}, board, dial(t, server, "lesson", id))
		go s.Run(ctx)
		_, err := s.Stats(ctx)
		require.NoError(err)
	}
	require.Eventually(func() bool {
		return svc.GetStats().TotalConnections == 2
	}, waitFor, tick)

	el := scene.Element{ID: "shape-1"}
	require.NoError(el.SetField("type", "ellipse"))
	_, err := boards["alice"].Add(el)
	require.NoError(err)

	require.Eventually(func() bool {
		got, ok := boards["bob"].Element("shape-1")
		return ok && got.Version == 1 && got.OwnerID == "alice"
	}, waitFor, tick)

	require.NoError(boards["bob"].Remove("shape-1"))
	require.Eventually(func() bool {
		return len(boards["alice"].Elements()) == 0
	}, waitFor, tick)
}

func TestRoomConnectionValidation(t *testing.T) {
	require := require.New(t)
	_, server := startRelay(t, nil, nil)

	for _, query := range []string{"", "?room=", "?room=a.b", "?room=a/b", "?room=a%2Fb", "?room=" + strings.Repeat("x", maxRoomIDLength+1)} {
		resp, err := http.Get(server.URL + "/ws/room" + query)
		require.NoError(err)
		resp.Body.Close()
		require.Equal(http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestConnectionStatsEndpoint(t *testing.T) {
	require := require.New(t)
	svc, server := startRelay(t, nil, nil)

	dial(t, server, "r1", "alice")
	require.Eventually(func() bool {
		return svc.GetStats().TotalConnections == 1
	}, waitFor, tick)

	resp, err := http.Get(server.URL + "/ws/stats")
	require.NoError(err)
	defer resp.Body.Close()

	var stats ConnectionStats
	require.NoError(json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(1, stats.TotalConnections)
	require.Equal(map[string]int{"r1": 1}, stats.RoomConnections)

	resp, err = http.Get(server.URL + "/api/rooms/active")
	require.NoError(err)
	defer resp.Body.Close()

	var rooms []RoomSummary
	require.NoError(json.NewDecoder(resp.Body).Decode(&rooms))
	require.Equal([]RoomSummary{{RoomID: "r1", Participants: 1}}, rooms)
}

func TestTokenEndpoint(t *testing.T) {
	require := require.New(t)

	_, server := startRelay(t, nil, nil)
	resp, err := http.Get(server.URL + "/api/token?room=r1&identity=alice")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusServiceUnavailable, resp.StatusCode)

	_, server = startRelay(t, token.NewMinter("key", "secret-secret-secret-secret-secret", time.Minute), nil)

	resp, err = http.Get(server.URL + "/api/token?room=r1")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/token?room=r1&identity=alice")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	var body TokenResponse
	require.NoError(json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(body.Token)
	require.Equal("r1", body.Room)
}

func TestSnapshotEndpoint(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := snapshot.NewMemoryStore()
	require.NoError(store.Save(ctx, &snapshot.Snapshot{
		RoomID:     "r1",
		Elements:   []scene.Element{{ID: "a", Version: 4}},
		Tombstones: []string{"b"},
		ViewState:  scene.ViewState{ViewBackgroundColor: "#ffffff"},
		SavedAt:    time.UnixMilli(1700000000000),
	}))
	_, server := startRelay(t, nil, store)

	resp, err := http.Get(server.URL + "/api/rooms/r1/snapshot")
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(err)
	msg, err := wire.Decode(data)
	require.NoError(err)
	require.Equal(wire.TypeUpdate, msg.Type)
	require.Equal("r1", msg.Meta.RoomID)
	require.Equal(int64(4), msg.Delta.Changed[0].Version)
	require.Equal([]string{"b"}, msg.Delta.DeletedIDs)
	require.Equal("#ffffff", msg.Delta.ViewState.ViewBackgroundColor)

	resp, err = http.Get(server.URL + "/api/rooms/missing/snapshot")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/api/rooms/r1/other")
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestExtractRoomIDFromPath(t *testing.T) {
	require := require.New(t)

	require.Equal("lesson-1", extractRoomIDFromPath("/api/rooms/lesson-1/snapshot"))
	require.Empty(extractRoomIDFromPath("/api/rooms/snapshot"))
	require.Empty(extractRoomIDFromPath("/api/rooms/a/b/snapshot"))
	require.Empty(extractRoomIDFromPath("/api/other/a/snapshot"))
	require.Empty(extractRoomIDFromPath("/api/rooms/a.b/snapshot"))

	// every room a participant can join has a reachable snapshot route
	for _, room := range []string{"lesson-1", "Room_42", "a/b", "a b", "a.b"} {
		joinable := validRoomID(room)
		require.Equal(joinable, extractRoomIDFromPath("/api/rooms/"+room+"/snapshot") == room, room)
	}
}
