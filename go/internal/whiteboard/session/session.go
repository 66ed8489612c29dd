// Package session keeps one participant's whiteboard in sync with the rest of its room.
//
// A Session is an actor: Run owns the tombstones, the broadcast baseline and every timer, and all
// inputs (received payloads, canvas change signals, timers and caller commands) are serialized through
// its loop. Participants share nothing but the transport.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/merge"
	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/throttle"
	"github.com/lingocall/boardsync/go/internal/whiteboard/transport"
	"github.com/lingocall/boardsync/go/internal/whiteboard/wire"
)

var (
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("session already running")
	// ErrStopped is returned by commands issued after Run has returned
	ErrStopped = errors.New("session stopped")
)

const (
	inboxSize      = 256
	sendTimeout    = 5 * time.Second
	shutdownSaveIn = 5 * time.Second
)

// Config holds session settings. Zero durations use the package defaults.
type Config struct {
	RoomID        string
	ParticipantID string
	Interval      time.Duration
	EchoWindow    time.Duration
	SaveDelay     time.Duration
	Clock         clockwork.Clock
	Store         snapshot.Store
	Metrics       MetricsCollector
}

// Stats describes a running session
type Stats struct {
	RoomID       string `json:"room_id"`
	Participant  string `json:"participant_id"`
	Elements     int    `json:"elements"`
	Tombstones   int    `json:"tombstones"`
	Sent         uint64 `json:"sent"`
	Received     uint64 `json:"received"`
	Dropped      uint64 `json:"dropped"`
	DecodeErrors uint64 `json:"decode_errors"`
	SendErrors   uint64 `json:"send_errors"`
	Pending      bool   `json:"pending"`
}

// Session synchronizes a Canvas over a Transport
type Session struct {
	config    Config
	canvas    scene.Canvas
	transport transport.Transport
	clock     clockwork.Clock
	metrics   MetricsCollector

	inbox   chan []byte
	changes chan struct{}
	cmds    chan func(ctx context.Context)
	done    chan struct{}
	running atomic.Bool

	// owned by the Run goroutine
	tombstones    scene.Tombstones
	throttle      *throttle.Throttle
	echo          *throttle.EchoGuard
	sent          map[string]int64
	lastView      scene.ViewState
	unsentDeletes scene.Tombstones
	pending       bool
	dirty         bool
	flushTimer    clockwork.Timer
	flushAt       time.Time
	saveTimer     clockwork.Timer
	stats         Stats
}

// New creates a session for canvas on tr. Call Run to start it.
func New(config Config, canvas scene.Canvas, tr transport.Transport) *Session {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Metrics == nil {
		config.Metrics = &NoOpMetricsCollector{}
	}
	if config.SaveDelay <= 0 {
		config.SaveDelay = snapshot.DefaultSaveDelay
	}

	return &Session{
		config:        config,
		canvas:        canvas,
		transport:     tr,
		clock:         config.Clock,
		metrics:       config.Metrics,
		inbox:         make(chan []byte, inboxSize),
		changes:       make(chan struct{}, 1),
		cmds:          make(chan func(ctx context.Context)),
		done:          make(chan struct{}),
		tombstones:    scene.NewTombstones(),
		throttle:      throttle.New(config.Interval),
		echo:          throttle.NewEchoGuard(config.EchoWindow),
		sent:          make(map[string]int64),
		unsentDeletes: scene.NewTombstones(),
		stats: Stats{
			RoomID:      config.RoomID,
			Participant: config.ParticipantID,
		},
	}
}

// Done is closed when Run returns
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run processes inputs until ctx ends. Handlers are unsubscribed, timers discarded and a final
// snapshot saved on the way out.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	if !s.restore(ctx) {
		s.lastView = s.canvas.ViewState()
	}

	unsubscribeChange := s.canvas.OnChange(s.notifyChange)
	unsubscribeReceive := s.transport.OnReceive(s.receive)
	defer unsubscribeReceive()
	defer unsubscribeChange()

	log.Info().
		Str("room_id", s.config.RoomID).
		Str("participant_id", s.config.ParticipantID).
		Dur("interval", s.throttle.Interval()).
		Msg("whiteboard session started")

	if s.pending {
		s.flush(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case data := <-s.inbox:
			s.handlePayload(data)
		case <-s.changes:
			s.handleChange(ctx)
		case <-timerChan(s.flushTimer):
			s.flushTimer = nil
			s.flush(ctx)
		case <-timerChan(s.saveTimer):
			s.saveTimer = nil
			s.save(ctx)
		case cmd := <-s.cmds:
			cmd(ctx)
		}
	}
}

// Clear tombstones every element, empties the board and tells the room to do the same
func (s *Session) Clear(ctx context.Context) error {
	var sendErr error
	err := s.do(ctx, func(runCtx context.Context) {
		sendErr = s.clear(runCtx)
	})
	if err != nil {
		return err
	}
	return sendErr
}

// Flush sends pending local changes now if the throttle allows
func (s *Session) Flush(ctx context.Context) error {
	return s.do(ctx, func(runCtx context.Context) {
		s.pending = true
		s.flush(runCtx)
	})
}

// Stats returns the session's counters
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.do(ctx, func(context.Context) {
		stats = s.stats
		stats.Elements = len(s.canvas.Elements())
		stats.Tombstones = s.tombstones.Len()
		stats.Pending = s.pending
	})
	return stats, err
}

// Tombstones returns a copy of the ids deleted in this room
func (s *Session) Tombstones(ctx context.Context) (scene.Tombstones, error) {
	var out scene.Tombstones
	err := s.do(ctx, func(context.Context) {
		out = s.tombstones.Clone()
	})
	return out, err
}

func (s *Session) do(ctx context.Context, fn func(ctx context.Context)) error {
	reply := make(chan struct{})
	cmd := func(runCtx context.Context) {
		defer close(reply)
		fn(runCtx)
	}

	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// receive runs on the transport's goroutine and hands the payload to the loop
func (s *Session) receive(data []byte) {
	payload := make([]byte, len(data))
	copy(payload, data)

	select {
	case s.inbox <- payload:
	case <-s.done:
	}
}

// notifyChange runs on whichever goroutine changed the canvas and must not block
func (s *Session) notifyChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) handleChange(ctx context.Context) {
	elements := s.canvas.Elements()
	if s.dropResurrected(elements) {
		// the board fires another change once the stale ids are gone
		return
	}
	s.collectDeletions(elements)
	s.pending = true

	now := s.clock.Now()
	if s.echo.Active(now) {
		// most likely the echo of a remote update; the baseline diff decides once the window closes
		s.scheduleFlush(s.echo.Remaining(now))
		return
	}
	s.flush(ctx)
}

// collectDeletions tombstones elements that were broadcast or received before and are now gone from
// the board, or that the board marks deleted
func (s *Session) collectDeletions(elements []scene.Element) {
	present := make(map[string]struct{}, len(elements))
	for _, el := range elements {
		if el.Deleted {
			if el.ID != "" && !s.tombstones.Has(el.ID) {
				s.tombstones.Add(el.ID)
				s.unsentDeletes.Add(el.ID)
			}
			continue
		}
		present[el.ID] = struct{}{}
	}

	for id := range s.sent {
		if _, ok := present[id]; ok {
			continue
		}
		if !s.tombstones.Has(id) {
			s.tombstones.Add(id)
			s.unsentDeletes.Add(id)
		}
		delete(s.sent, id)
	}
}

// dropResurrected removes local elements whose id is already tombstoned. Deleted ids never come
// back, so a local add reusing one is undone instead of lingering unsynced on the board.
func (s *Session) dropResurrected(elements []scene.Element) bool {
	var ids []string
	for _, el := range elements {
		if !el.Deleted && s.tombstones.Has(el.ID) {
			ids = append(ids, el.ID)
		}
	}
	if len(ids) == 0 {
		return false
	}

	keep := func(current []scene.Element) []scene.Element {
		out := make([]scene.Element, 0, len(current))
		for _, el := range current {
			if !s.tombstones.Has(el.ID) {
				out = append(out, el)
			}
		}
		return out
	}
	if t, ok := s.canvas.(scene.Transformer); ok {
		t.Transform(keep, nil)
	} else {
		s.canvas.ReplaceScene(keep(s.canvas.Elements()), nil)
	}

	log.Warn().
		Str("room_id", s.config.RoomID).
		Strs("element_ids", ids).
		Msg("dropped local edits of deleted elements")
	return true
}

// diff returns what changed on the board since the last successful broadcast
func (s *Session) diff() scene.Delta {
	elements := s.canvas.Elements()
	s.collectDeletions(elements)

	delta := scene.Delta{DeletedIDs: s.unsentDeletes.IDs()}
	for _, el := range elements {
		if el.Deleted || s.tombstones.Has(el.ID) || el.Validate() != nil {
			continue
		}
		if v, ok := s.sent[el.ID]; !ok || el.Version > v {
			delta.Changed = append(delta.Changed, el)
		}
	}
	// every update carries the sender's whole view state, so it only decides emptiness when nothing
	// else changed
	vs := s.canvas.ViewState()
	if len(delta.Changed) > 0 || len(delta.DeletedIDs) > 0 || vs != s.lastView {
		delta.ViewState = &vs
	}
	return delta
}

func (s *Session) flush(ctx context.Context) {
	if !s.pending {
		return
	}

	now := s.clock.Now()
	if s.echo.Active(now) {
		s.scheduleFlush(s.echo.Remaining(now))
		return
	}
	if wait := s.throttle.Wait(now); wait > 0 {
		s.scheduleFlush(wait)
		return
	}

	delta := s.diff()
	if delta.Empty() {
		s.pending = false
		return
	}
	s.throttle.ShouldSend(now)

	data, err := wire.EncodeUpdate(s.meta(now), delta)
	if err != nil {
		log.Error().Err(err).Str("room_id", s.config.RoomID).Msg("failed to encode whiteboard update")
		s.pending = false
		return
	}

	if err := s.send(ctx, data); err != nil {
		log.Warn().
			Err(err).
			Str("room_id", s.config.RoomID).
			Int("changed", len(delta.Changed)).
			Int("deleted", len(delta.DeletedIDs)).
			Msg("whiteboard update not sent, retrying on next tick")
		s.scheduleFlush(s.throttle.Interval())
		return
	}

	for _, el := range delta.Changed {
		s.sent[el.ID] = el.Version
	}
	if delta.ViewState != nil {
		s.lastView = *delta.ViewState
	}
	s.unsentDeletes = scene.NewTombstones()
	s.pending = false
	s.metrics.RecordSent(wire.TypeUpdate, len(data))

	log.Debug().
		Str("room_id", s.config.RoomID).
		Int("changed", len(delta.Changed)).
		Int("deleted", len(delta.DeletedIDs)).
		Int("bytes", len(data)).
		Msg("whiteboard update sent")

	s.scheduleSave()
}

func (s *Session) send(ctx context.Context, data []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := s.transport.Send(sendCtx, data); err != nil {
		s.stats.SendErrors++
		s.metrics.RecordSendError()
		return err
	}
	s.stats.Sent++
	return nil
}

func (s *Session) meta(now time.Time) wire.Meta {
	return wire.Meta{
		RoomID:    s.config.RoomID,
		SenderID:  s.config.ParticipantID,
		Timestamp: now,
	}
}

func (s *Session) handlePayload(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		s.stats.DecodeErrors++
		s.metrics.RecordDecodeError()
		log.Warn().Err(err).Str("room_id", s.config.RoomID).Int("bytes", len(data)).Msg("dropping whiteboard payload")
		return
	}

	if msg.Meta.RoomID != "" && s.config.RoomID != "" && msg.Meta.RoomID != s.config.RoomID {
		s.stats.Dropped++
		log.Debug().Str("room_id", s.config.RoomID).Str("payload_room", msg.Meta.RoomID).Msg("ignoring payload for another room")
		return
	}
	if msg.Meta.SenderID != "" && msg.Meta.SenderID == s.config.ParticipantID {
		s.stats.Dropped++
		return
	}

	s.stats.Received++
	s.metrics.RecordReceived(msg.Type, len(data))

	switch msg.Type {
	case wire.TypeClear:
		s.clearLocal()
		log.Info().Str("room_id", s.config.RoomID).Str("sender_id", msg.Meta.SenderID).Msg("whiteboard cleared by peer")
	case wire.TypeUpdate:
		s.applyUpdate(msg.Delta)
	}
	s.scheduleSave()
}

func (s *Session) applyUpdate(delta scene.Delta) {
	start := s.clock.Now()

	apply := func(current []scene.Element) []scene.Element {
		// local deletions that have not been flushed yet must be tombstoned before merging
		s.collectDeletions(current)
		merged, tombstones := merge.Merge(current, delta, s.tombstones)
		s.tombstones = tombstones
		return merged
	}

	s.echo.Begin(start)
	if t, ok := s.canvas.(scene.Transformer); ok {
		t.Transform(apply, delta.ViewState)
	} else {
		s.canvas.ReplaceScene(apply(s.canvas.Elements()), delta.ViewState)
	}

	// the peer already has these versions; only newer local edits need broadcasting
	for _, el := range delta.Changed {
		if el.Validate() != nil || el.Deleted || s.tombstones.Has(el.ID) {
			continue
		}
		if el.Version > s.sent[el.ID] {
			s.sent[el.ID] = el.Version
		}
	}
	for id := range s.sent {
		if s.tombstones.Has(id) {
			delete(s.sent, id)
		}
	}
	if delta.ViewState != nil {
		s.lastView = *delta.ViewState
	}

	s.metrics.RecordMerge(len(delta.Changed), len(delta.DeletedIDs), s.clock.Since(start))
}

// clearLocal tombstones everything on the board and empties it, returning the ids removed
func (s *Session) clearLocal() []string {
	ids := scene.NewTombstones()
	for _, el := range s.canvas.Elements() {
		ids.Add(el.ID)
	}
	for id := range s.sent {
		ids.Add(id)
	}

	s.tombstones.Add(ids.IDs()...)
	s.sent = make(map[string]int64)
	s.echo.Begin(s.clock.Now())
	s.canvas.ReplaceScene(nil, nil)
	return ids.IDs()
}

func (s *Session) clear(ctx context.Context) error {
	ids := s.clearLocal()

	now := s.clock.Now()
	data, err := wire.EncodeClear(s.meta(now))
	if err != nil {
		return err
	}
	if err := s.send(ctx, data); err != nil {
		// peers still learn about the deletions with the next update
		s.unsentDeletes.Add(ids...)
		s.pending = true
		s.scheduleFlush(s.throttle.Interval())
		return err
	}
	s.metrics.RecordSent(wire.TypeClear, len(data))
	s.scheduleSave()

	log.Info().Str("room_id", s.config.RoomID).Int("cleared", len(ids)).Msg("whiteboard cleared")
	return nil
}

func (s *Session) scheduleFlush(d time.Duration) {
	at := s.clock.Now().Add(d)
	if s.flushTimer != nil {
		if !s.flushAt.After(at) {
			return
		}
		stopAndDrainTimer(s.flushTimer)
	}
	s.flushTimer = s.clock.NewTimer(d)
	s.flushAt = at
}

func (s *Session) scheduleSave() {
	if s.config.Store == nil {
		return
	}
	s.dirty = true
	if s.saveTimer == nil {
		s.saveTimer = s.clock.NewTimer(s.config.SaveDelay)
	}
}

// restore seeds the board from the room's snapshot and reports whether one was found
func (s *Session) restore(ctx context.Context) bool {
	if s.config.Store == nil {
		return false
	}

	snap, err := s.config.Store.Load(ctx, s.config.RoomID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("room_id", s.config.RoomID).Msg("failed to load whiteboard snapshot")
		return false
	}

	s.tombstones.Add(snap.Tombstones...)
	elements := make([]scene.Element, 0, len(snap.Elements))
	for _, el := range snap.Elements {
		if !s.tombstones.Has(el.ID) {
			elements = append(elements, el)
		}
	}
	view := snap.ViewState
	s.canvas.ReplaceScene(elements, &view)

	// restored state is announced to the room on start; merges on the other side make this harmless
	s.unsentDeletes.Add(snap.Tombstones...)
	s.pending = true

	log.Info().
		Str("room_id", s.config.RoomID).
		Int("elements", len(elements)).
		Int("tombstones", len(snap.Tombstones)).
		Time("saved_at", snap.SavedAt).
		Msg("restored whiteboard snapshot")
	return true
}

func (s *Session) save(ctx context.Context) {
	if s.config.Store == nil || !s.dirty {
		return
	}

	snap := &snapshot.Snapshot{
		RoomID:     s.config.RoomID,
		Elements:   s.canvas.Elements(),
		ViewState:  s.canvas.ViewState(),
		Tombstones: s.tombstones.IDs(),
		SavedAt:    s.clock.Now(),
	}
	if err := s.config.Store.Save(ctx, snap); err != nil {
		log.Error().Err(err).Str("room_id", s.config.RoomID).Msg("failed to save whiteboard snapshot")
		return
	}
	s.dirty = false
}

func (s *Session) shutdown() {
	if s.flushTimer != nil {
		stopAndDrainTimer(s.flushTimer)
		s.flushTimer = nil
	}
	if s.saveTimer != nil {
		stopAndDrainTimer(s.saveTimer)
		s.saveTimer = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownSaveIn)
	defer cancel()
	s.save(ctx)

	log.Info().
		Str("room_id", s.config.RoomID).
		Str("participant_id", s.config.ParticipantID).
		Uint64("sent", s.stats.Sent).
		Uint64("received", s.stats.Received).
		Msg("whiteboard session stopped")
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
