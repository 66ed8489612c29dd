// Package wsclient joins a whiteboard room through the relay's WebSocket endpoint
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/transport"
)

// Config holds the relay connection settings
type Config struct {
	RelayURL       string // ws://host:port
	RoomID         string
	ParticipantID  string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	Header         http.Header
}

// DefaultConfig returns client settings matching the relay defaults
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512 * 1024,
	}
}

// Client is a Transport over one relay WebSocket
type Client struct {
	conn     *websocket.Conn
	config   Config
	handlers transport.Handlers

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Finite    = (*Client)(nil)
)

// Dial connects to the relay room endpoint
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.RoomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	config = withDefaults(config)

	endpoint, err := roomURL(config)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, config.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", config.RelayURL, err)
	}

	c := &Client{
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}

	go c.readPump()
	go c.pingLoop()

	log.Info().
		Str("relay", config.RelayURL).
		Str("room_id", config.RoomID).
		Str("participant_id", config.ParticipantID).
		Msg("connected to whiteboard relay")

	return c, nil
}

func withDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	return config
}

func roomURL(config Config) (string, error) {
	u, err := url.Parse(config.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/room"
	q := u.Query()
	q.Set("room", config.RoomID)
	if config.ParticipantID != "" {
		q.Set("participant", config.ParticipantID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes one payload to the relay
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return &transport.SendError{Transport: "websocket", Err: transport.ErrClosed}
	default:
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &transport.SendError{Transport: "websocket", Err: err}
	}
	return nil
}

// OnReceive registers a handler for payloads relayed from other participants
func (c *Client) OnReceive(handler func([]byte)) func() {
	return c.handlers.Add(handler)
}

// Done is closed once the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.handlers.Clear()

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.config.WriteTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("room_id", c.config.RoomID).Msg("relay connection closed unexpectedly")
				}
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		c.handlers.Dispatch(message)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("room_id", c.config.RoomID).Msg("relay ping failed")
			}
		}
	}
}
