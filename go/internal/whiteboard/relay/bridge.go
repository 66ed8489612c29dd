package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/transport/natsbus"
)

// HeaderOrigin marks frames a relay instance published so it does not relay them back to itself
const HeaderOrigin = "Whiteboard-Relay-Origin"

// BridgeConfig holds configuration for sharing rooms between relay instances over NATS
type BridgeConfig struct {
	URL           string
	Stream        string // non-empty also records room traffic in JetStream for replay
	MaxAge        time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultBridgeConfig returns default bridge configuration
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           nats.DefaultURL,
		MaxAge:        24 * time.Hour,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Bridge publishes frames from local WebSocket clients to NATS and relays frames from other
// instances, or from NATS participants, to local clients
type Bridge struct {
	connectionManager *ConnectionManager
	nc                *nats.Conn
	js                jetstream.JetStream
	sub               *nats.Subscription
	config            BridgeConfig
	instanceID        string
	msgCh             chan *nats.Msg
}

// NewBridge connects to NATS and, when a stream is configured, ensures it exists
func NewBridge(ctx context.Context, cm *ConnectionManager, config BridgeConfig) (*Bridge, error) {
	nc, err := natsbus.Connect(config.URL, config.MaxReconnects, config.ReconnectWait)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		connectionManager: cm,
		nc:                nc,
		config:            config,
		instanceID:        uuid.New().String()[:8],
		msgCh:             make(chan *nats.Msg, 1000),
	}

	if config.Stream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		if _, err := natsbus.EnsureStream(ctx, js, config.Stream, config.MaxAge); err != nil {
			nc.Close()
			return nil, err
		}
		b.js = js
		log.Info().Str("stream", config.Stream).Msg("recording whiteboard rooms in JetStream")
	}

	return b, nil
}

// InstanceID identifies this relay on the bus
func (b *Bridge) InstanceID() string {
	return b.instanceID
}

// Publish sends a frame from a local client to the room subject
func (b *Bridge) Publish(ctx context.Context, roomID string, data []byte) error {
	msg := nats.NewMsg(natsbus.Subject(roomID))
	msg.Header.Set(HeaderOrigin, b.instanceID)
	msg.Data = data

	if b.js != nil {
		if _, err := b.js.PublishMsg(ctx, msg); err != nil {
			return fmt.Errorf("publish to stream: %w", err)
		}
		return nil
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Start relays frames from the bus to local clients until ctx ends
func (b *Bridge) Start(ctx context.Context) error {
	log.Info().
		Str("instance_id", b.instanceID).
		Str("subject", natsbus.SubjectPrefix+"*").
		Msg("starting NATS bridge")

	sub, err := b.nc.ChanSubscribe(natsbus.SubjectPrefix+"*", b.msgCh)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	b.sub = sub
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("NATS bridge shutting down")
			return nil
		case msg := <-b.msgCh:
			b.processMessage(msg)
		}
	}
}

func (b *Bridge) processMessage(msg *nats.Msg) {
	if msg.Header.Get(HeaderOrigin) == b.instanceID {
		return
	}

	roomID, ok := natsbus.RoomFromSubject(msg.Subject)
	if !ok {
		log.Warn().Str("subject", msg.Subject).Msg("ignoring frame on unexpected subject")
		return
	}

	log.Debug().
		Str("room_id", roomID).
		Str("origin", msg.Header.Get(HeaderOrigin)).
		Str("sender", msg.Header.Get(natsbus.HeaderSender)).
		Int("bytes", len(msg.Data)).
		Msg("relaying frame from NATS")

	b.connectionManager.BroadcastToRoom(roomID, msg.Data, nil)
}

// Stop closes the NATS connection
func (b *Bridge) Stop() error {
	log.Info().Msg("stopping NATS bridge")

	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// Connected reports whether the NATS connection is currently up
func (b *Bridge) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}
