// Package transport carries opaque whiteboard payloads to every participant of a room.
//
// Delivery is best effort: no acknowledgements, no backpressure, per-sender FIFO at best and no order
// across senders. Receivers must tolerate duplicates and cross-sender reordering.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Send after the transport has been closed
var ErrClosed = errors.New("transport closed")

// Transport is a room-scoped broadcast channel
type Transport interface {
	// Send broadcasts data to the room. It does not wait for delivery.
	Send(ctx context.Context, data []byte) error
	// OnReceive registers a handler called once per inbound payload
	OnReceive(handler func(data []byte)) (unsubscribe func())
	// Close releases the channel; registered handlers are no longer called
	Close() error
}

// Finite is implemented by transports that can end on their own, when the underlying connection
// drops for good. Done is closed at that point and after Close.
type Finite interface {
	Done() <-chan struct{}
}

// SendError reports a failed broadcast. The payload was not sent and may be retried.
type SendError struct {
	Transport string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send: %v", e.Transport, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Handlers is a registry of receive handlers shared by the transport implementations
type Handlers struct {
	mu       sync.RWMutex
	handlers map[int]func([]byte)
	nextID   int
}

// Add registers handler and returns its unsubscribe func
func (h *Handlers) Add(handler func([]byte)) func() {
	h.mu.Lock()
	if h.handlers == nil {
		h.handlers = make(map[int]func([]byte))
	}
	id := h.nextID
	h.nextID++
	h.handlers[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// Dispatch calls every registered handler with data
func (h *Handlers) Dispatch(data []byte) {
	h.mu.RLock()
	fns := make([]func([]byte), 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

// Clear removes every handler
func (h *Handlers) Clear() {
	h.mu.Lock()
	h.handlers = nil
	h.mu.Unlock()
}

// Len returns the number of registered handlers
func (h *Handlers) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}
