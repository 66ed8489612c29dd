package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxRoomIDLength = 128

// WebSocketHandler handles WebSocket upgrade requests for whiteboard rooms
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleRoomConnection handles GET /ws/room?room=<id>&participant=<id>
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	if !validRoomID(roomID) {
		http.Error(w, "invalid room format", http.StatusBadRequest)
		return
	}

	participantID := r.URL.Query().Get("participant")
	if participantID == "" {
		participantID = "anonymous-" + uuid.New().String()[:8]
	}

	if err := h.connectionManager.UpgradeConnection(w, r, participantID, roomID); err != nil {
		// the upgrader has already written the HTTP error
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Str("participant_id", participantID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

// validRoomID rejects ids that cannot be carried as a single NATS subject token or a single
// path segment of the room REST routes
func validRoomID(roomID string) bool {
	if roomID == "" || len(roomID) > maxRoomIDLength {
		return false
	}
	return !strings.ContainsAny(roomID, ".*>/ \t\r\n")
}
