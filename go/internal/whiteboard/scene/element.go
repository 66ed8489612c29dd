package scene

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when an element carries no id
	ErrMissingID = errors.New("element has no id")
	// ErrInvalidVersion is returned when an element version is missing or below 1
	ErrInvalidVersion = errors.New("element version must be a positive integer")
)

// Element is one drawing primitive on the board.
//
// Only the identity, version, ownership and deletion flag are interpreted here. Every other field of
// the drawing primitive (points, stroke, position, ...) travels untouched in Fields.
type Element struct {
	ID      string
	Version int64
	OwnerID string
	Deleted bool
	Fields  map[string]json.RawMessage
}

// Validate reports whether the element can take part in a merge
func (e Element) Validate() error {
	if e.ID == "" {
		return ErrMissingID
	}
	if e.Version < 1 {
		return fmt.Errorf("element %s: %w", e.ID, ErrInvalidVersion)
	}
	return nil
}

// Clone returns a copy whose field map can be modified independently
func (e Element) Clone() Element {
	c := e
	if e.Fields != nil {
		c.Fields = make(map[string]json.RawMessage, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

// Field returns the raw JSON of an opaque field
func (e Element) Field(key string) (json.RawMessage, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

// SetField marshals v into the opaque field key
func (e *Element) SetField(key string, v interface{}) error {
	switch key {
	case keyID, keyVersion, keyDeleted:
		return fmt.Errorf("field %q is managed by the element", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal field %s: %w", key, err)
	}
	if e.Fields == nil {
		e.Fields = make(map[string]json.RawMessage)
	}
	e.Fields[key] = raw
	return nil
}

const (
	keyID         = "id"
	keyVersion    = "version"
	keyDeleted    = "isDeleted"
	keyCustomData = "customData"
	keyOwnerID    = "ownerId"
)

// MarshalJSON writes the element in the drawing-surface shape:
// {"id", "version", "isDeleted", "customData": {"ownerId"}, ...opaque fields}
func (e Element) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}

	var err error
	if out[keyID], err = json.Marshal(e.ID); err != nil {
		return nil, err
	}
	if out[keyVersion], err = json.Marshal(e.Version); err != nil {
		return nil, err
	}
	if out[keyDeleted], err = json.Marshal(e.Deleted); err != nil {
		return nil, err
	}

	if e.OwnerID != "" {
		custom := make(map[string]json.RawMessage)
		if raw, ok := e.Fields[keyCustomData]; ok {
			// customData is opaque beyond ownerId; a non-object value is replaced
			_ = json.Unmarshal(raw, &custom)
			if custom == nil {
				custom = make(map[string]json.RawMessage)
			}
		}
		if custom[keyOwnerID], err = json.Marshal(e.OwnerID); err != nil {
			return nil, err
		}
		if out[keyCustomData], err = json.Marshal(custom); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON accepts any JSON object. Missing or mistyped id/version are left zero so the element
// fails Validate instead of failing the whole payload.
func (e *Element) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("element is not a JSON object: %w", err)
	}
	if raw == nil {
		return errors.New("element is null")
	}

	*e = Element{}

	if v, ok := raw[keyID]; ok {
		_ = json.Unmarshal(v, &e.ID)
		delete(raw, keyID)
	}
	if v, ok := raw[keyVersion]; ok {
		e.Version = parseVersion(v)
		delete(raw, keyVersion)
	}
	if v, ok := raw[keyDeleted]; ok {
		_ = json.Unmarshal(v, &e.Deleted)
		delete(raw, keyDeleted)
	}
	if v, ok := raw[keyCustomData]; ok {
		var custom map[string]json.RawMessage
		if err := json.Unmarshal(v, &custom); err == nil && custom != nil {
			if owner, ok := custom[keyOwnerID]; ok {
				_ = json.Unmarshal(owner, &e.OwnerID)
				delete(custom, keyOwnerID)
			}
			if len(custom) == 0 {
				delete(raw, keyCustomData)
			} else if stripped, err := json.Marshal(custom); err == nil {
				raw[keyCustomData] = stripped
			}
		}
	}

	if len(raw) > 0 {
		e.Fields = raw
	}
	return nil
}

func parseVersion(raw json.RawMessage) int64 {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return v
}
