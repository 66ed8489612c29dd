package scene

import "sort"

// ViewState is the subset of drawing-surface view state shared with peers
type ViewState struct {
	ViewBackgroundColor        string `json:"viewBackgroundColor"`
	CurrentItemStrokeColor     string `json:"currentItemStrokeColor"`
	CurrentItemBackgroundColor string `json:"currentItemBackgroundColor"`
}

// Delta is one broadcast unit: elements changed and ids deleted since the last send
type Delta struct {
	Changed    []Element
	DeletedIDs []string
	ViewState  *ViewState
}

// Empty reports whether the delta carries nothing worth sending
func (d Delta) Empty() bool {
	return len(d.Changed) == 0 && len(d.DeletedIDs) == 0 && d.ViewState == nil
}

// Tombstones is the set of element ids known to be deleted. It only grows for the lifetime of a
// whiteboard session.
type Tombstones map[string]struct{}

// NewTombstones returns a set holding ids
func NewTombstones(ids ...string) Tombstones {
	t := make(Tombstones, len(ids))
	t.Add(ids...)
	return t
}

// Add records ids as deleted. Empty ids are ignored.
func (t Tombstones) Add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		t[id] = struct{}{}
	}
}

// Has reports whether id is tombstoned
func (t Tombstones) Has(id string) bool {
	_, ok := t[id]
	return ok
}

// Len returns the number of tombstoned ids
func (t Tombstones) Len() int {
	return len(t)
}

// Clone returns an independent copy; a nil set clones to an empty one
func (t Tombstones) Clone() Tombstones {
	c := make(Tombstones, len(t))
	for id := range t {
		c[id] = struct{}{}
	}
	return c
}

// IDs returns the tombstoned ids in sorted order
func (t Tombstones) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Equal reports whether both sets hold the same ids
func (t Tombstones) Equal(other Tombstones) bool {
	if len(t) != len(other) {
		return false
	}
	for id := range t {
		if !other.Has(id) {
			return false
		}
	}
	return true
}
