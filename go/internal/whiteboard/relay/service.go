// Package relay fans whiteboard frames out to every participant of a room over WebSockets.
//
// The relay never decodes or merges frames. Each participant runs its own merge, so the relay is a
// dumb pipe and any number of instances can share rooms through the NATS bridge.
package relay

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/token"
)

// Config holds configuration for the relay service
type Config struct {
	ConnectionConfig ConnectionConfig
	BridgeEnabled    bool
	BridgeConfig     BridgeConfig
	LiveKitURL       string
}

// DefaultConfig returns default configuration for the relay
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		BridgeConfig:     DefaultBridgeConfig(),
	}
}

// Service is the relay: WebSocket fan-out, optional NATS bridge and the REST helpers around them
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	tokenHandler      *TokenHandler
	roomHandler       *RoomHandler
	healthChecker     *HealthChecker
	bridge            *Bridge
}

// NewService creates the relay. minter and store may be nil.
func NewService(ctx context.Context, config Config, minter *token.Minter, store snapshot.Store) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)

	s := &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		tokenHandler:      NewTokenHandler(minter, config.LiveKitURL),
		roomHandler:       NewRoomHandler(connectionManager, store),
	}

	if config.BridgeEnabled {
		bridge, err := NewBridge(ctx, connectionManager, config.BridgeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS bridge: %w", err)
		}
		s.bridge = bridge
		connectionManager.OnFrame(func(roomID string, data []byte) {
			if err := bridge.Publish(ctx, roomID, data); err != nil {
				log.Error().Err(err).Str("room_id", roomID).Msg("failed to publish frame to NATS")
			}
		})
	}

	var db Pinger
	if pinger, ok := store.(Pinger); ok {
		db = pinger
	}
	s.healthChecker = NewHealthChecker(connectionManager, s.bridge, db)

	return s, nil
}

// Start runs the relay until ctx ends
func (s *Service) Start(ctx context.Context) error {
	log.Info().Bool("bridge", s.bridge != nil).Msg("starting whiteboard relay service")

	go s.connectionManager.Start(ctx)

	if s.bridge != nil {
		go func() {
			if err := s.bridge.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS bridge failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("whiteboard relay service shutting down")
	return s.Stop()
}

// Stop releases the bridge connection
func (s *Service) Stop() error {
	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop NATS bridge")
		}
	}

	log.Info().Msg("whiteboard relay service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket, REST and health routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.tokenHandler.RegisterRoutes(mux)
	s.roomHandler.RegisterRoutes(mux)
	s.healthChecker.RegisterRoutes(mux)
	log.Info().Msg("whiteboard relay routes registered")
}

// ServiceStats is returned by /info
type ServiceStats struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Bridge  string `json:"bridge_instance,omitempty"`
	ConnectionStats
}

// GetStats returns statistics about the relay
func (s *Service) GetStats() ServiceStats {
	stats := ServiceStats{
		Service:         "whiteboard-relay",
		Status:          "running",
		ConnectionStats: s.connectionManager.GetConnectionStats(),
	}
	if s.bridge != nil {
		stats.Bridge = s.bridge.InstanceID()
	}
	return stats
}
