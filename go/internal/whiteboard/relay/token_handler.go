package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/token"
)

// TokenResponse is returned by /api/token
type TokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
	Room  string `json:"room"`
}

// TokenHandler hands out LiveKit join tokens so browsers can use the data channel transport
type TokenHandler struct {
	minter     *token.Minter
	livekitURL string
}

// NewTokenHandler creates a token handler; a nil minter disables the endpoint
func NewTokenHandler(minter *token.Minter, livekitURL string) *TokenHandler {
	return &TokenHandler{minter: minter, livekitURL: livekitURL}
}

// HandleToken handles GET /api/token?room=<id>&identity=<id>
func (h *TokenHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.minter == nil || !h.minter.Configured() {
		http.Error(w, "LiveKit is not configured", http.StatusServiceUnavailable)
		return
	}

	room := r.URL.Query().Get("room")
	identity := r.URL.Query().Get("identity")

	jwt, err := h.minter.Mint(room, identity)
	switch {
	case errors.Is(err, token.ErrMissingRoom), errors.Is(err, token.ErrMissingIdentity):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Error().Err(err).Str("room", room).Str("identity", identity).Msg("failed to mint token")
		http.Error(w, "Failed to create token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(TokenResponse{Token: jwt, URL: h.livekitURL, Room: room}); err != nil {
		log.Error().Err(err).Msg("failed to encode token response")
	}
}

// RegisterRoutes registers the token route
func (h *TokenHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/token", h.HandleToken)
}
