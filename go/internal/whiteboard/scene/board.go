package scene

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrElementNotFound is returned when editing an element that is not on the board
	ErrElementNotFound = errors.New("element not found")
	// ErrDuplicateElement is returned when adding an element whose id is already on the board
	ErrDuplicateElement = errors.New("element already exists")
)

// Canvas is the drawing surface a session keeps in sync
type Canvas interface {
	// Elements returns the current scene in render order
	Elements() []Element
	// ViewState returns the shared subset of view state
	ViewState() ViewState
	// ReplaceScene swaps the whole scene; a nil view state leaves the current one in place
	ReplaceScene(elements []Element, vs *ViewState)
	// OnChange registers a listener fired after every change, local or replaced
	OnChange(fn func()) (unsubscribe func())
}

// Transformer is implemented by canvases that can swap the scene against its current contents
// without a concurrent edit slipping in between the read and the write
type Transformer interface {
	Transform(fn func(current []Element) []Element, vs *ViewState)
}

// Board is an in-memory Canvas. Local edits made through it follow the owner rules: new elements
// start at version 1 tagged with the board's participant, and every edit bumps the version by one
// and re-tags the element with the editing participant.
type Board struct {
	ownerID string

	mu       sync.RWMutex
	elements []Element
	view     ViewState

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int
}

var (
	_ Canvas      = (*Board)(nil)
	_ Transformer = (*Board)(nil)
)

// NewBoard creates an empty board for the participant ownerID
func NewBoard(ownerID string) *Board {
	return &Board{
		ownerID:   ownerID,
		listeners: make(map[int]func()),
	}
}

// OwnerID returns the participant that owns local edits on this board
func (b *Board) OwnerID() string {
	return b.ownerID
}

// Elements returns a copy of the scene
func (b *Board) Elements() []Element {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Element, len(b.elements))
	for i, el := range b.elements {
		out[i] = el.Clone()
	}
	return out
}

// Element returns a copy of one element
func (b *Board) Element(id string) (Element, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if i := b.indexOf(id); i >= 0 {
		return b.elements[i].Clone(), true
	}
	return Element{}, false
}

// ViewState returns the current view state
func (b *Board) ViewState() ViewState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.view
}

// ReplaceScene swaps the scene wholesale
func (b *Board) ReplaceScene(elements []Element, vs *ViewState) {
	b.mu.Lock()
	b.elements = make([]Element, len(elements))
	for i, el := range elements {
		b.elements[i] = el.Clone()
	}
	if vs != nil {
		b.view = *vs
	}
	b.mu.Unlock()

	b.notify()
}

// Transform replaces the scene with fn's result while holding the board lock. fn must not modify
// current or call back into the board.
func (b *Board) Transform(fn func(current []Element) []Element, vs *ViewState) {
	b.mu.Lock()
	next := fn(b.elements)
	b.elements = make([]Element, len(next))
	for i, el := range next {
		b.elements[i] = el.Clone()
	}
	if vs != nil {
		b.view = *vs
	}
	b.mu.Unlock()

	b.notify()
}

// Add draws a new element. An empty id is assigned a fresh uuid.
func (b *Board) Add(el Element) (Element, error) {
	el = el.Clone()
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	el.Version = 1
	el.OwnerID = b.ownerID
	el.Deleted = false

	b.mu.Lock()
	if b.indexOf(el.ID) >= 0 {
		b.mu.Unlock()
		return Element{}, fmt.Errorf("add %s: %w", el.ID, ErrDuplicateElement)
	}
	b.elements = append(b.elements, el)
	b.mu.Unlock()

	b.notify()
	return el.Clone(), nil
}

// Update applies a local edit to an element, bumps its version and claims it for the board's
// participant
func (b *Board) Update(id string, mutate func(*Element)) (Element, error) {
	b.mu.Lock()
	i := b.indexOf(id)
	if i < 0 {
		b.mu.Unlock()
		return Element{}, fmt.Errorf("update %s: %w", id, ErrElementNotFound)
	}
	el := b.elements[i].Clone()
	version := el.Version
	mutate(&el)
	el.ID = id
	el.Version = version + 1
	el.OwnerID = b.ownerID
	b.elements[i] = el
	b.mu.Unlock()

	b.notify()
	return el.Clone(), nil
}

// Remove deletes an element locally
func (b *Board) Remove(id string) error {
	b.mu.Lock()
	i := b.indexOf(id)
	if i < 0 {
		b.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrElementNotFound)
	}
	b.elements = append(b.elements[:i], b.elements[i+1:]...)
	b.mu.Unlock()

	b.notify()
	return nil
}

// SetViewState changes the shared view state locally
func (b *Board) SetViewState(vs ViewState) {
	b.mu.Lock()
	b.view = vs
	b.mu.Unlock()

	b.notify()
}

// OnChange registers fn to run after every change. Listeners run on the goroutine that made the
// change and must not block.
func (b *Board) OnChange(fn func()) func() {
	b.listenersMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}
}

func (b *Board) notify() {
	b.listenersMu.Lock()
	fns := make([]func(), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenersMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (b *Board) indexOf(id string) int {
	for i := range b.elements {
		if b.elements[i].ID == id {
			return i
		}
	}
	return -1
}
