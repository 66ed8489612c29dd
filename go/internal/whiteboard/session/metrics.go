package session

import (
	"sync/atomic"
	"time"

	"github.com/lingocall/boardsync/go/internal/whiteboard/wire"
)

// MetricsCollector defines the interface for collecting session metrics
type MetricsCollector interface {
	RecordSent(kind wire.MessageType, bytes int)
	RecordReceived(kind wire.MessageType, bytes int)
	RecordDecodeError()
	RecordSendError()
	RecordMerge(changed, deleted int, duration time.Duration)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSent(kind wire.MessageType, bytes int)              {}
func (n *NoOpMetricsCollector) RecordReceived(kind wire.MessageType, bytes int)          {}
func (n *NoOpMetricsCollector) RecordDecodeError()                                       {}
func (n *NoOpMetricsCollector) RecordSendError()                                         {}
func (n *NoOpMetricsCollector) RecordMerge(changed, deleted int, duration time.Duration) {}

// Counters is an in-process MetricsCollector, shared across sessions when one process hosts several
type Counters struct {
	sent         atomic.Uint64
	sentBytes    atomic.Uint64
	received     atomic.Uint64
	decodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
	merges       atomic.Uint64
}

// CounterSnapshot is a point-in-time copy of Counters
type CounterSnapshot struct {
	Sent         uint64 `json:"sent"`
	SentBytes    uint64 `json:"sent_bytes"`
	Received     uint64 `json:"received"`
	DecodeErrors uint64 `json:"decode_errors"`
	SendErrors   uint64 `json:"send_errors"`
	Merges       uint64 `json:"merges"`
}

func (c *Counters) RecordSent(kind wire.MessageType, bytes int) {
	c.sent.Add(1)
	c.sentBytes.Add(uint64(bytes))
}

func (c *Counters) RecordReceived(kind wire.MessageType, bytes int) {
	c.received.Add(1)
}

func (c *Counters) RecordDecodeError() {
	c.decodeErrors.Add(1)
}

func (c *Counters) RecordSendError() {
	c.sendErrors.Add(1)
}

func (c *Counters) RecordMerge(changed, deleted int, duration time.Duration) {
	c.merges.Add(1)
}

// Snapshot returns the current counter values
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Sent:         c.sent.Load(),
		SentBytes:    c.sentBytes.Load(),
		Received:     c.received.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		SendErrors:   c.sendErrors.Load(),
		Merges:       c.merges.Load(),
	}
}
