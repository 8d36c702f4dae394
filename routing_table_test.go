package weft

import (
	"slices"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testIds(n int) []Id {
	ids := make([]Id, n)
	for i := 0; i < n; i += 1 {
		ids[i] = NewId()
	}
	return ids
}

func TestRoutingTablePaths(t *testing.T) {
	ids := testIds(4)
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]

	tbl := NewRoutingTable()
	assert.Equal(t, false, tbl.Reachable(a))

	added := tbl.AddOrUpdatePath(a, []Id{a}, VectorTimestamp{1})
	assert.Equal(t, true, added)
	assert.Equal(t, true, tbl.Reachable(a))
	assert.Equal(t, []Id{a}, tbl.ShortestPath(a))

	// a second, longer path sorts after the direct one
	added = tbl.AddOrUpdatePath(a, []Id{b, a}, VectorTimestamp{1, 1})
	assert.Equal(t, true, added)
	assert.Equal(t, []Id{a}, tbl.ShortestPath(a))
	distance, ok := tbl.DistanceTo(a)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, distance)

	// re-adding an existing path does not duplicate; a newer timestamp
	// replaces the stored one
	added = tbl.AddOrUpdatePath(a, []Id{b, a}, VectorTimestamp{2, 2})
	assert.Equal(t, false, added)
	vp, ok := tbl.BestVersionedPath(a)
	assert.Equal(t, true, ok)
	assert.Equal(t, []Id{a}, vp.Path)

	// an older timestamp is ignored
	added = tbl.AddOrUpdatePath(a, []Id{b, a}, VectorTimestamp{1, 1})
	assert.Equal(t, false, added)

	// loops are rejected
	added = tbl.AddOrUpdatePath(a, []Id{b, b, a}, VectorTimestamp{1, 1, 1})
	assert.Equal(t, false, added)

	// equal-length ties resolve lexicographically
	tbl2 := NewRoutingTable()
	hops := []Id{c, d}
	slices.SortFunc(hops, Id.Cmp)
	tbl2.AddOrUpdatePath(a, []Id{hops[1], a}, VectorTimestamp{1, 1})
	tbl2.AddOrUpdatePath(a, []Id{hops[0], a}, VectorTimestamp{1, 1})
	assert.Equal(t, []Id{hops[0], a}, tbl2.ShortestPath(a))
}

func TestRoutingTableEraseCascade(t *testing.T) {
	ids := testIds(3)
	a, b, c := ids[0], ids[1], ids[2]

	// a is direct; b and c are only reachable through a
	tbl := NewRoutingTable()
	tbl.AddOrUpdatePath(a, []Id{a}, VectorTimestamp{1})
	tbl.AddOrUpdatePath(b, []Id{a, b}, VectorTimestamp{1, 1})
	tbl.AddOrUpdatePath(c, []Id{a, b, c}, VectorTimestamp{1, 1, 1})

	removed := []Id{}
	tbl.Erase(a, func(id Id) {
		removed = append(removed, id)
	})
	assert.Equal(t, 0, tbl.Size())
	slices.SortFunc(removed, Id.Cmp)
	expected := []Id{b, c}
	slices.SortFunc(expected, Id.Cmp)
	assert.Equal(t, expected, removed)
}

func TestRoutingTableEraseDirect(t *testing.T) {
	ids := testIds(3)
	a, b, c := ids[0], ids[1], ids[2]

	tbl := NewRoutingTable()
	tbl.AddOrUpdatePath(a, []Id{a}, VectorTimestamp{1})
	tbl.AddOrUpdatePath(b, []Id{b}, VectorTimestamp{1})
	// c reachable via both a and b
	tbl.AddOrUpdatePath(c, []Id{a, c}, VectorTimestamp{1, 1})
	tbl.AddOrUpdatePath(c, []Id{b, c}, VectorTimestamp{1, 1})

	removed := []Id{}
	ok := tbl.EraseDirect(a, func(id Id) {
		removed = append(removed, id)
	})
	assert.Equal(t, true, ok)
	// a itself had only the direct path, so its row is gone
	assert.Equal(t, false, tbl.Reachable(a))
	// c lost the path through a but stays reachable via b
	assert.Equal(t, true, tbl.Reachable(c))
	assert.Equal(t, []Id{b, c}, tbl.ShortestPath(c))
	assert.Equal(t, []Id{a}, removed)

	assert.Equal(t, false, tbl.EraseDirect(a, nil))
}

func TestPathRevoked(t *testing.T) {
	ids := testIds(3)
	a, b, c := ids[0], ids[1], ids[2]

	path := []Id{a, b, c}
	ts := VectorTimestamp{2, 2, 2}

	// revoker adjacent to hop, old enough timestamp
	assert.Equal(t, true, pathRevoked(path, ts, b, 2, a))
	assert.Equal(t, true, pathRevoked(path, ts, b, 2, c))
	assert.Equal(t, true, pathRevoked(path, ts, a, 5, b))
	// newer path timestamp survives the revocation
	assert.Equal(t, false, pathRevoked(path, ts, b, 1, a))
	// non-adjacent pair
	assert.Equal(t, false, pathRevoked(path, ts, a, 5, c))
	// single-hop paths carry no revocable adjacency
	assert.Equal(t, false, pathRevoked([]Id{a}, VectorTimestamp{1}, a, 5, b))
}

func TestRoutingTableRevoke(t *testing.T) {
	ids := testIds(3)
	a, b, c := ids[0], ids[1], ids[2]

	tbl := NewRoutingTable()
	tbl.AddOrUpdatePath(a, []Id{a}, VectorTimestamp{1})
	tbl.AddOrUpdatePath(b, []Id{b}, VectorTimestamp{1})
	tbl.AddOrUpdatePath(c, []Id{a, c}, VectorTimestamp{1, 1})
	tbl.AddOrUpdatePath(c, []Id{b, c}, VectorTimestamp{1, 1})

	// the a-c adjacency is revoked; c stays reachable via b
	removed := []Id{}
	tbl.Revoke(a, 5, c, func(id Id) {
		removed = append(removed, id)
	})
	assert.Equal(t, 0, len(removed))
	assert.Equal(t, []Id{b, c}, tbl.ShortestPath(c))

	// revoking the b-c adjacency orphans c
	tbl.Revoke(b, 5, c, func(id Id) {
		removed = append(removed, id)
	})
	assert.Equal(t, []Id{c}, removed)
	assert.Equal(t, false, tbl.Reachable(c))
}

func TestRevocationList(t *testing.T) {
	ids := testIds(2)
	a, b := ids[0], ids[1]
	now := time.Now()

	lst := &revocationList{}
	assert.Equal(t, true, lst.insert(a, 3, b, now))
	// deduplicated by (revoker, ts, hop)
	assert.Equal(t, false, lst.insert(a, 3, b, now))
	assert.Equal(t, true, lst.insert(a, 4, b, now))

	assert.Equal(t, true, lst.revoked([]Id{a, b}, VectorTimestamp{3, 3}))
	assert.Equal(t, false, lst.revoked([]Id{a, b}, VectorTimestamp{5, 5}))

	lst.expire(time.Minute, now.Add(2*time.Minute))
	assert.Equal(t, 0, len(lst.entries))
}
