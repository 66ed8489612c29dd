// Package merge combines remote whiteboard deltas with the local scene.
//
// The scheme is a partial CRDT: per-element versions decide between concurrent copies of the same
// element and a grow-only tombstone set makes deletion permanent. It is idempotent under duplicate
// delivery and the tombstone set is order independent, but there is no causal ordering across peers:
// a racing peer's element can land before or after another peer's edit depending on arrival.
package merge

import (
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
)

// Merge applies a remote delta to the local elements and returns the merged scene together with the
// updated tombstone set. Neither input is modified.
//
// Rules, in order:
//   - every id in delta.DeletedIDs (and every remote element flagged deleted) is tombstoned
//   - local elements with a tombstoned id are dropped
//   - a local element also present in the delta keeps whichever copy has the higher version; on a tie
//     the local copy wins
//   - remote elements that are neither local nor tombstoned are appended in delta order
//
// Malformed remote elements are dropped one at a time with a warning.
func Merge(local []scene.Element, delta scene.Delta, tombstones scene.Tombstones) ([]scene.Element, scene.Tombstones) {
	updated := tombstones.Clone()
	updated.Add(delta.DeletedIDs...)

	remote := make(map[string]scene.Element, len(delta.Changed))
	order := make([]string, 0, len(delta.Changed))
	for i, el := range delta.Changed {
		if err := el.Validate(); err != nil {
			log.Warn().
				Err(err).
				Int("index", i).
				Str("element_id", el.ID).
				Msg("dropping malformed remote element")
			continue
		}
		if el.Deleted {
			updated.Add(el.ID)
			continue
		}
		prev, seen := remote[el.ID]
		if !seen {
			order = append(order, el.ID)
		}
		if !seen || el.Version > prev.Version {
			remote[el.ID] = el
		}
	}

	merged := make([]scene.Element, 0, len(local)+len(order))
	present := make(map[string]struct{}, len(local))
	for _, el := range local {
		if updated.Has(el.ID) {
			continue
		}
		present[el.ID] = struct{}{}
		if r, ok := remote[el.ID]; ok && r.Version > el.Version {
			merged = append(merged, r.Clone())
			continue
		}
		merged = append(merged, el.Clone())
	}

	for _, id := range order {
		if _, ok := present[id]; ok || updated.Has(id) {
			continue
		}
		merged = append(merged, remote[id].Clone())
	}

	return merged, updated
}
