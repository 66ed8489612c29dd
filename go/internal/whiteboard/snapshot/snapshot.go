// Package snapshot persists the last known state of a whiteboard room so a participant that rejoins
// starts from it instead of an empty board.
package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
)

// ErrNotFound is returned by Load when a room has never been saved
var ErrNotFound = errors.New("snapshot not found")

// DefaultSaveDelay debounces saves after a burst of changes
const DefaultSaveDelay = 2 * time.Second

// Snapshot is a room's scene together with its tombstones
type Snapshot struct {
	RoomID     string
	Elements   []scene.Element
	ViewState  scene.ViewState
	Tombstones []string
	SavedAt    time.Time
}

// Store loads and saves room snapshots
type Store interface {
	Load(ctx context.Context, roomID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// MemoryStore keeps snapshots in process
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*Snapshot)}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[snap.RoomID] = snap.clone()
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Elements = make([]scene.Element, len(s.Elements))
	for i, el := range s.Elements {
		out.Elements[i] = el.Clone()
	}
	out.Tombstones = append([]string(nil), s.Tombstones...)
	return &out
}
