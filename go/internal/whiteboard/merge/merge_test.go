package merge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lingocall/boardsync/go/internal/whiteboard/scene"
)

func el(id string, version int64) scene.Element {
	return scene.Element{ID: id, Version: version}
}

func versions(els []scene.Element) map[string]int64 {
	out := make(map[string]int64, len(els))
	for _, e := range els {
		out[e.ID] = e.Version
	}
	return out
}

func TestMergeKeepsHigherLocalVersion(t *testing.T) {
	require := require.New(t)

	local := []scene.Element{el("a", 2)}
	merged, ts := Merge(local, scene.Delta{Changed: []scene.Element{el("a", 1)}}, scene.NewTombstones())

	require.Equal(map[string]int64{"a": 2}, versions(merged))
	require.Equal(0, ts.Len())
}

func TestMergeAdoptsHigherRemoteVersion(t *testing.T) {
	require := require.New(t)

	remote := el("a", 3)
	remote.OwnerID = "bob"
	merged, _ := Merge([]scene.Element{el("a", 1)}, scene.Delta{Changed: []scene.Element{remote}}, nil)

	require.Len(merged, 1)
	require.Equal(int64(3), merged[0].Version)
	require.Equal("bob", merged[0].OwnerID)
}

func TestMergeTieKeepsLocal(t *testing.T) {
	require := require.New(t)

	local := el("a", 2)
	local.OwnerID = "alice"
	remote := el("a", 2)
	remote.OwnerID = "bob"

	merged, _ := Merge([]scene.Element{local}, scene.Delta{Changed: []scene.Element{remote}}, nil)
	require.Equal("alice", merged[0].OwnerID)
}

func TestMergeDeleteBeforeCreateIsTerminal(t *testing.T) {
	require := require.New(t)

	merged, ts := Merge(nil, scene.Delta{DeletedIDs: []string{"b"}}, scene.NewTombstones())
	require.Empty(merged)
	require.True(ts.Has("b"))

	// a later remote copy of "b" never enters the scene
	merged, ts = Merge(merged, scene.Delta{Changed: []scene.Element{el("b", 7)}}, ts)
	require.Empty(merged)

	// nor does a local one that somehow carries the id
	merged, _ = Merge([]scene.Element{el("b", 1)}, scene.Delta{}, ts)
	require.Empty(merged)
}

func TestMergeDropsTombstonedLocalAndAppendsNew(t *testing.T) {
	require := require.New(t)

	local := []scene.Element{el("a", 1), el("b", 1), el("c", 1)}
	delta := scene.Delta{
		Changed:    []scene.Element{el("d", 1), el("c", 2), el("e", 4)},
		DeletedIDs: []string{"b"},
	}

	merged, ts := Merge(local, delta, nil)

	ids := make([]string, 0, len(merged))
	for _, e := range merged {
		ids = append(ids, e.ID)
	}
	require.Equal([]string{"a", "c", "d", "e"}, ids)
	require.Equal(int64(2), merged[1].Version)
	require.Equal([]string{"b"}, ts.IDs())
}

func TestMergeTreatsDeletedFlagAsDeleteNotice(t *testing.T) {
	require := require.New(t)

	gone := el("a", 5)
	gone.Deleted = true

	merged, ts := Merge([]scene.Element{el("a", 4)}, scene.Delta{Changed: []scene.Element{gone}}, nil)
	require.Empty(merged)
	require.True(ts.Has("a"))
}

func TestMergeDropsMalformedElementsOnly(t *testing.T) {
	require := require.New(t)

	var payload []scene.Element
	require.NoError(json.Unmarshal([]byte(`[{"version":2},{"id":"x"},{"id":"ok","version":1}]`), &payload))

	merged, _ := Merge(nil, scene.Delta{Changed: payload}, nil)
	require.Equal(map[string]int64{"ok": 1}, versions(merged))
}

func TestMergeCollapsesDuplicateRemoteIDs(t *testing.T) {
	require := require.New(t)

	delta := scene.Delta{Changed: []scene.Element{el("a", 2), el("a", 5), el("a", 3)}}
	merged, _ := Merge(nil, delta, nil)

	require.Len(merged, 1)
	require.Equal(int64(5), merged[0].Version)
}

func TestMergeIsIdempotent(t *testing.T) {
	require := require.New(t)

	local := []scene.Element{el("a", 2), el("b", 1), el("c", 3)}
	tombstones := scene.NewTombstones("z")
	delta := scene.Delta{
		Changed:    []scene.Element{el("a", 1), el("b", 4), el("d", 1), el("z", 9)},
		DeletedIDs: []string{"c"},
	}

	once, ts1 := Merge(local, delta, tombstones)
	twice, ts2 := Merge(once, delta, ts1)

	require.Equal(once, twice)
	require.True(ts1.Equal(ts2))
}

func TestMergeTombstonesCommute(t *testing.T) {
	require := require.New(t)

	local := []scene.Element{el("a", 1), el("b", 1), el("c", 1)}
	d1 := scene.Delta{Changed: []scene.Element{el("a", 2)}, DeletedIDs: []string{"b"}}
	d2 := scene.Delta{Changed: []scene.Element{el("a", 3), el("x", 1)}, DeletedIDs: []string{"c", "q"}}

	s12, ts12 := Merge(local, d1, nil)
	s12, ts12 = Merge(s12, d2, ts12)

	s21, ts21 := Merge(local, d2, nil)
	s21, ts21 = Merge(s21, d1, ts21)

	require.True(ts12.Equal(ts21))
	require.Equal(versions(s12), versions(s21))
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	require := require.New(t)

	local := []scene.Element{el("a", 1)}
	tombstones := scene.NewTombstones()
	delta := scene.Delta{Changed: []scene.Element{el("a", 2)}, DeletedIDs: []string{"q"}}

	Merge(local, delta, tombstones)

	require.Equal(int64(1), local[0].Version)
	require.Equal(0, tombstones.Len())
}
