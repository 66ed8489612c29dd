// Package recorder runs a headless participant that follows a room and keeps its snapshot current
package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/wbconfig"
	"github.com/lingocall/boardsync/go/internal/whiteboard/discovery"
	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
	"github.com/lingocall/boardsync/go/internal/whiteboard/session"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/token"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport/lkroom"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport/natsbus"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport/wsclient"
)

var (
	// ErrNoRelay is returned when no relay URL is configured and none answers on the network
	ErrNoRelay = errors.New("no relay found")
	// ErrTransportClosed is returned by Run when the room connection ends before ctx does
	ErrTransportClosed = errors.New("room transport closed")
)

// Dialer opens the transport the recorder joins the room over
type Dialer func(ctx context.Context) (transport.Transport, error)

// Recorder is a participant without a user: it merges what the room broadcasts and saves it
type Recorder struct {
	config  *wbconfig.Config
	store   snapshot.Store
	dial    Dialer
	board   *scene.Board
	metrics *session.Counters
}

// Option configures a Recorder
type Option func(*Recorder)

// WithDialer replaces the transport chosen from the config
func WithDialer(dial Dialer) Option {
	return func(r *Recorder) {
		r.dial = dial
	}
}

// New creates a recorder for config.Room.ID
func New(config *wbconfig.Config, store snapshot.Store, opts ...Option) (*Recorder, error) {
	if config.Room.ID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if config.Room.Participant == "" {
		config.Room.Participant = "recorder-" + uuid.New().String()[:8]
	}

	r := &Recorder{
		config:  config,
		store:   store,
		board:   scene.NewBoard(config.Room.Participant),
		metrics: &session.Counters{},
	}
	r.dial = r.dialFromConfig
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Board returns the recorder's copy of the room
func (r *Recorder) Board() *scene.Board {
	return r.board
}

// Metrics returns the recorder's session counters
func (r *Recorder) Metrics() session.CounterSnapshot {
	return r.metrics.Snapshot()
}

// Run joins the room and follows it until ctx ends
func (r *Recorder) Run(ctx context.Context) error {
	tr, err := r.dial(ctx)
	if err != nil {
		return fmt.Errorf("join room %s: %w", r.config.Room.ID, err)
	}
	defer tr.Close()

	s := session.New(session.Config{
		RoomID:        r.config.Room.ID,
		ParticipantID: r.config.Room.Participant,
		Interval:      r.config.Sync.Interval,
		EchoWindow:    r.config.Sync.EchoWindow,
		SaveDelay:     r.config.Sync.SaveDelay,
		Store:         r.store,
		Metrics:       r.metrics,
	}, r.board, tr)

	log.Info().
		Str("room_id", r.config.Room.ID).
		Str("participant_id", r.config.Room.Participant).
		Str("transport", r.config.Transport).
		Msg("recorder joined room")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost <-chan struct{}
	if f, ok := tr.(transport.Finite); ok {
		lost = f.Done()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(runCtx)
	}()

	select {
	case err = <-errCh:
	case <-lost:
		// stop the session so its final save still runs
		cancel()
		err = <-errCh
		if err == nil && ctx.Err() == nil {
			err = ErrTransportClosed
		}
	}

	m := r.metrics.Snapshot()
	log.Info().
		Err(err).
		Str("room_id", r.config.Room.ID).
		Uint64("received", m.Received).
		Uint64("merges", m.Merges).
		Uint64("decode_errors", m.DecodeErrors).
		Int("elements", len(r.board.Elements())).
		Msg("recorder left room")

	return err
}

func (r *Recorder) dialFromConfig(ctx context.Context) (transport.Transport, error) {
	switch r.config.Transport {
	case wbconfig.TransportLiveKit:
		return r.dialLiveKit()
	case wbconfig.TransportNATS:
		return natsbus.Dial(ctx, natsbus.Config{
			URL:           r.config.NATS.URL,
			RoomID:        r.config.Room.ID,
			SenderID:      r.config.Room.Participant,
			Stream:        r.config.NATS.Stream,
			MaxReconnects: -1,
			ReconnectWait: natsbus.DefaultConfig().ReconnectWait,
		})
	default:
		return r.dialRelay(ctx)
	}
}

func (r *Recorder) dialRelay(ctx context.Context) (transport.Transport, error) {
	relayURL := r.config.Relay.URL
	if relayURL == "" {
		relays, err := discovery.Browse(r.config.Discovery.Timeout)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS browse failed")
		}
		if len(relays) == 0 {
			return nil, ErrNoRelay
		}
		relayURL = relays[0].URL()
		log.Info().Str("relay", relayURL).Str("instance", relays[0].Instance).Msg("discovered relay")
	}

	config := wsclient.DefaultConfig()
	config.RelayURL = relayURL
	config.RoomID = r.config.Room.ID
	config.ParticipantID = r.config.Room.Participant
	config.MaxMessageSize = r.config.Relay.MaxMessageSize
	return wsclient.Dial(ctx, config)
}

func (r *Recorder) dialLiveKit() (transport.Transport, error) {
	lk := r.config.LiveKit
	jwt, err := token.NewMinter(lk.APIKey, lk.APISecret, lk.TokenTTL).Mint(r.config.Room.ID, r.config.Room.Participant)
	if err != nil {
		return nil, err
	}
	return lkroom.Connect(lkroom.Config{
		Host:     lk.Host,
		Token:    jwt,
		RoomName: r.config.Room.ID,
		Identity: r.config.Room.Participant,
	})
}
