package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/wire"
)

// RoomSummary describes a room with connected participants
type RoomSummary struct {
	RoomID       string `json:"room_id"`
	Participants int    `json:"participants"`
}

// RoomHandler serves room listings and saved snapshots. A late joiner can feed the snapshot body
// straight into its decoder: it is an ordinary update payload.
type RoomHandler struct {
	connectionManager *ConnectionManager
	store             snapshot.Store
}

// NewRoomHandler creates a room handler; a nil store disables snapshot reads
func NewRoomHandler(cm *ConnectionManager, store snapshot.Store) *RoomHandler {
	return &RoomHandler{connectionManager: cm, store: store}
}

// HandleGetActiveRooms handles GET /api/rooms/active
func (h *RoomHandler) HandleGetActiveRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.connectionManager.GetConnectionStats()
	rooms := make([]RoomSummary, 0, len(stats.RoomConnections))
	for roomID, count := range stats.RoomConnections {
		rooms = append(rooms, RoomSummary{RoomID: roomID, Participants: count})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rooms); err != nil {
		log.Error().Err(err).Msg("failed to encode active rooms response")
	}
}

// HandleGetSnapshot handles GET /api/rooms/{id}/snapshot
func (h *RoomHandler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		http.Error(w, "Snapshots are not enabled", http.StatusServiceUnavailable)
		return
	}

	roomID := extractRoomIDFromPath(r.URL.Path)
	if roomID == "" {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}

	snap, err := h.store.Load(r.Context(), roomID)
	if errors.Is(err, snapshot.ErrNotFound) {
		http.Error(w, "No snapshot for room", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to load snapshot")
		http.Error(w, "Failed to load snapshot", http.StatusInternalServerError)
		return
	}

	view := snap.ViewState
	payload, err := wire.EncodeUpdate(
		wire.Meta{RoomID: roomID, Timestamp: snap.SavedAt},
		scene.Delta{Changed: snap.Elements, DeletedIDs: snap.Tombstones, ViewState: &view},
	)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to encode snapshot")
		http.Error(w, "Failed to encode snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// RegisterRoutes registers room routes
func (h *RoomHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rooms/active", h.HandleGetActiveRooms)
	mux.HandleFunc("/api/rooms/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/snapshot") {
			h.HandleGetSnapshot(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// extractRoomIDFromPath extracts the room id from /api/rooms/{id}/snapshot
func extractRoomIDFromPath(path string) string {
	const prefix = "/api/rooms/"
	const suffix = "/snapshot"

	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if !validRoomID(id) {
		return ""
	}
	return id
}
