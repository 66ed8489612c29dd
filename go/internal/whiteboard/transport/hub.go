package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const endpointBuffer = 1024

// HubOption configures a Hub
type HubOption func(*Hub)

// WithDuplicates delivers every payload twice, to exercise idempotent receivers
func WithDuplicates() HubOption {
	return func(h *Hub) {
		h.duplicate = true
	}
}

// Hub is an in-process broadcast medium. Each endpoint has its own delivery goroutine so senders
// never block on slow receivers; a full endpoint queue drops the payload.
type Hub struct {
	duplicate bool

	mu    sync.RWMutex
	rooms map[string]map[*Endpoint]bool
}

// NewHub creates an empty hub
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{rooms: make(map[string]map[*Endpoint]bool)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join attaches a participant to a room and returns its transport
func (h *Hub) Join(roomID, participantID string) *Endpoint {
	ep := &Endpoint{
		hub:           h,
		roomID:        roomID,
		participantID: participantID,
		queue:         make(chan []byte, endpointBuffer),
		done:          make(chan struct{}),
	}

	h.mu.Lock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Endpoint]bool)
	}
	h.rooms[roomID][ep] = true
	h.mu.Unlock()

	go ep.deliver()
	return ep
}

// Participants returns the number of endpoints attached to a room
func (h *Hub) Participants(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) leave(ep *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if eps, ok := h.rooms[ep.roomID]; ok {
		delete(eps, ep)
		if len(eps) == 0 {
			delete(h.rooms, ep.roomID)
		}
	}
}

func (h *Hub) broadcast(from *Endpoint, data []byte) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.rooms[from.roomID]))
	for ep := range h.rooms[from.roomID] {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	h.mu.RUnlock()

	copies := 1
	if h.duplicate {
		copies = 2
	}
	for _, ep := range targets {
		for i := 0; i < copies; i++ {
			ep.enqueue(data)
		}
	}
}

// Endpoint is one participant's view of a Hub room
type Endpoint struct {
	hub           *Hub
	roomID        string
	participantID string
	handlers      Handlers

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Transport = (*Endpoint)(nil)
	_ Finite    = (*Endpoint)(nil)
)

// Send broadcasts to every other endpoint in the room
func (e *Endpoint) Send(ctx context.Context, data []byte) error {
	select {
	case <-e.done:
		return &SendError{Transport: "hub", Err: ErrClosed}
	default:
	}
	if err := ctx.Err(); err != nil {
		return &SendError{Transport: "hub", Err: err}
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	e.hub.broadcast(e, payload)
	return nil
}

// OnReceive registers a handler for payloads from other endpoints
func (e *Endpoint) OnReceive(handler func([]byte)) func() {
	return e.handlers.Add(handler)
}

// Done is closed when the endpoint leaves its room
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Close detaches the endpoint from its room
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.hub.leave(e)
		close(e.done)
		e.handlers.Clear()
	})
	return nil
}

func (e *Endpoint) enqueue(data []byte) {
	select {
	case <-e.done:
	case e.queue <- data:
	default:
		log.Warn().
			Str("room_id", e.roomID).
			Str("participant_id", e.participantID).
			Msg("hub endpoint queue full, dropping payload")
	}
}

func (e *Endpoint) deliver() {
	for {
		select {
		case <-e.done:
			return
		case data := <-e.queue:
			e.handlers.Dispatch(data)
		}
	}
}
