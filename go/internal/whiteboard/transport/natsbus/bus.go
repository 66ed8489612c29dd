// Package natsbus carries whiteboard payloads over NATS subjects, one subject per room.
//
// In JetStream mode payloads are persisted to a stream and a joining participant replays the room's
// history through an ordered consumer before receiving live traffic.
package natsbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/transport"
)

const (
	// SubjectPrefix is prepended to the room id
	SubjectPrefix = "whiteboard.room."
	// HeaderSender carries the publishing participant so loopback can be skipped
	HeaderSender = "Whiteboard-Sender"
	// DefaultStream is the JetStream stream holding room history
	DefaultStream = "WHITEBOARD_ROOMS"
)

// Config holds the NATS connection settings
type Config struct {
	URL           string
	RoomID        string
	SenderID      string
	Stream        string // non-empty enables JetStream replay
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default NATS settings
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Subject returns the NATS subject for a room. Characters NATS reserves for tokens and wildcards are
// replaced with underscores.
func Subject(roomID string) string {
	return SubjectPrefix + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, roomID)
}

// RoomFromSubject reverses Subject for subjects under SubjectPrefix
func RoomFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return "", false
	}
	room := strings.TrimPrefix(subject, SubjectPrefix)
	return room, room != ""
}

// Connect dials NATS with the reconnect handlers the services share
func Connect(url string, maxReconnects int, reconnectWait time.Duration) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// EnsureStream creates or updates the stream that keeps every room's history
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, maxAge time.Duration) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "Whiteboard room updates",
		Subjects:    []string{SubjectPrefix + ">"},
		MaxAge:      maxAge,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return stream, nil
}

// Bus is a Transport over one room subject
type Bus struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	ownConn bool
	subject string
	config  Config

	handlers transport.Handlers

	mu         sync.Mutex
	sub        *nats.Subscription
	consumeCtx jetstream.ConsumeContext
	closed     bool

	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ transport.Transport = (*Bus)(nil)
	_ transport.Finite    = (*Bus)(nil)
)

// Dial connects to NATS and joins the configured room
func Dial(ctx context.Context, config Config) (*Bus, error) {
	nc, err := Connect(config.URL, config.MaxReconnects, config.ReconnectWait)
	if err != nil {
		return nil, err
	}
	b, err := New(ctx, nc, config)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownConn = true
	// reconnects were exhausted or the connection was closed under us
	nc.SetClosedHandler(func(*nats.Conn) {
		log.Warn().Str("subject", b.subject).Msg("NATS connection closed")
		b.markDone()
	})
	return b, nil
}

// New joins the configured room on an existing connection
func New(ctx context.Context, nc *nats.Conn, config Config) (*Bus, error) {
	if config.RoomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	b := &Bus{
		nc:      nc,
		subject: Subject(config.RoomID),
		config:  config,
		done:    make(chan struct{}),
	}

	if config.Stream == "" {
		sub, err := nc.Subscribe(b.subject, func(msg *nats.Msg) {
			b.deliver(msg.Header, msg.Data)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", b.subject, err)
		}
		b.sub = sub
		return b, nil
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	b.js = js

	stream, err := js.Stream(ctx, config.Stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", config.Stream, err)
	}

	consumer, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{b.subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		b.deliver(msg.Headers(), msg.Data())
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	b.consumeCtx = consumeCtx

	log.Info().
		Str("stream", config.Stream).
		Str("subject", b.subject).
		Msg("replaying whiteboard room history")

	return b, nil
}

// Send publishes data to the room subject
func (b *Bus) Send(ctx context.Context, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return &transport.SendError{Transport: "nats", Err: transport.ErrClosed}
	}

	msg := nats.NewMsg(b.subject)
	msg.Header.Set(HeaderSender, b.config.SenderID)
	msg.Data = data

	var err error
	if b.js != nil {
		_, err = b.js.PublishMsg(ctx, msg)
	} else {
		err = b.nc.PublishMsg(msg)
	}
	if err != nil {
		return &transport.SendError{Transport: "nats", Err: err}
	}
	return nil
}

// OnReceive registers a handler for payloads published by other participants
func (b *Bus) OnReceive(handler func([]byte)) func() {
	return b.handlers.Add(handler)
}

// Close stops receiving and, if Dial opened it, closes the connection
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.handlers.Clear()

	var err error
	if b.sub != nil {
		err = b.sub.Unsubscribe()
	}
	if b.consumeCtx != nil {
		b.consumeCtx.Stop()
	}
	if b.ownConn {
		b.nc.Close()
	}
	b.markDone()
	return err
}

// Done is closed after Close, or when a connection opened by Dial is closed for good
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) markDone() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *Bus) deliver(header nats.Header, data []byte) {
	if b.config.SenderID != "" && header.Get(HeaderSender) == b.config.SenderID {
		return
	}
	b.handlers.Dispatch(data)
}
