// Package lkroom carries whiteboard payloads over a LiveKit room's reliable data channel
package lkroom

import (
	"context"
	"fmt"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/transport"
)

// Topic tags whiteboard data packets so other data on the room is ignored
const Topic = "whiteboard"

// Config describes how to join the LiveKit room. Token takes precedence over key and secret.
type Config struct {
	Host      string
	Token     string
	APIKey    string
	APISecret string
	RoomName  string
	Identity  string
	Topic     string
}

// Room is a Transport over a LiveKit data channel
type Room struct {
	room     *lksdk.Room
	topic    string
	handlers transport.Handlers

	mu     sync.RWMutex
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

var (
	_ transport.Transport = (*Room)(nil)
	_ transport.Finite    = (*Room)(nil)
)

// Connect joins the LiveKit room
func Connect(config Config) (*Room, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("livekit host is required")
	}

	r := &Room{topic: config.Topic, done: make(chan struct{})}
	if r.topic == "" {
		r.topic = Topic
	}

	callback := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataPacket: r.onDataPacket,
		},
		OnDisconnected: func() {
			log.Warn().Str("room", config.RoomName).Msg("disconnected from livekit room")
			r.markDone()
		},
	}

	var (
		room *lksdk.Room
		err  error
	)
	if config.Token != "" {
		room, err = lksdk.ConnectToRoomWithToken(config.Host, config.Token, callback)
	} else {
		room, err = lksdk.ConnectToRoom(config.Host, lksdk.ConnectInfo{
			APIKey:              config.APIKey,
			APISecret:           config.APISecret,
			RoomName:            config.RoomName,
			ParticipantIdentity: config.Identity,
		}, callback)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to livekit room %s: %w", config.RoomName, err)
	}
	r.room = room

	log.Info().
		Str("host", config.Host).
		Str("room", room.Name()).
		Str("identity", config.Identity).
		Msg("joined livekit room")

	return r, nil
}

// Send publishes data reliably to every other participant
func (r *Room) Send(ctx context.Context, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return &transport.SendError{Transport: "livekit", Err: transport.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &transport.SendError{Transport: "livekit", Err: err}
	}

	err := r.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(data),
		lksdk.WithDataPublishTopic(r.topic),
		lksdk.WithDataPublishReliable(true),
	)
	if err != nil {
		return &transport.SendError{Transport: "livekit", Err: err}
	}
	return nil
}

// OnReceive registers a handler for whiteboard packets from other participants
func (r *Room) OnReceive(handler func([]byte)) func() {
	return r.handlers.Add(handler)
}

// Close leaves the room
func (r *Room) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.handlers.Clear()
	r.room.Disconnect()
	r.markDone()
	return nil
}

// Done is closed once the room connection has ended
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) markDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Room) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	packet, ok := data.(*lksdk.UserDataPacket)
	if !ok || packet.Topic != r.topic {
		return
	}
	log.Debug().
		Str("sender", params.SenderIdentity).
		Int("bytes", len(packet.Payload)).
		Msg("whiteboard packet received")

	r.handlers.Dispatch(packet.Payload)
}
