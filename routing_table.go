package weft

import (
	"slices"
	"time"
)

// Stores paths to all known peers. For a direct connection, also stores the
// transport handle for reaching the peer. Each row keeps every known path
// with a vector timestamp for versioning, sorted by length then
// lexicographically; the first path is the canonical shortest path and the
// tie-break is therefore symmetric between endpoints.

type directHandle interface {
	PeerId() Id
	// enqueues an encoded frame. returns false if the link cannot take it.
	Enqueue(frameBytes []byte) bool
	// disposes the kill-switch for both directions
	Kill()
}

type VersionedPath struct {
	Path []Id
	Ts   VectorTimestamp
}

// ascending length, then lexicographic
func pathCmp(a []Id, b []Id) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if c := a[i].Cmp(b[i]); c != 0 {
			return c
		}
	}
	return 0
}

func pathContains(path []Id, id Id) bool {
	return 0 <= slices.Index(path, id)
}

// no repeated endpoint id
func pathLoopFree(path []Id) bool {
	for i := range path {
		for j := i + 1; j < len(path); j += 1 {
			if path[i] == path[j] {
				return false
			}
		}
	}
	return true
}

type routingTableRow struct {
	hdl   directHandle
	paths []VersionedPath
}

type RoutingTable struct {
	rows map[Id]*routingTableRow
}

func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		rows: map[Id]*routingTableRow{},
	}
}

func (self *RoutingTable) Size() int {
	return len(self.rows)
}

func (self *RoutingTable) PeerIds() []Id {
	peerIds := make([]Id, 0, len(self.rows))
	for peerId := range self.rows {
		peerIds = append(peerIds, peerId)
	}
	slices.SortFunc(peerIds, Id.Cmp)
	return peerIds
}

func (self *RoutingTable) Reachable(peer Id) bool {
	_, ok := self.rows[peer]
	return ok
}

// the hops to the destination including the destination itself, or nil
func (self *RoutingTable) ShortestPath(peer Id) []Id {
	if row, ok := self.rows[peer]; ok && 0 < len(row.paths) {
		return row.paths[0].Path
	}
	return nil
}

// the canonical path together with its version, for re-advertisement
func (self *RoutingTable) BestVersionedPath(peer Id) (VersionedPath, bool) {
	if row, ok := self.rows[peer]; ok && 0 < len(row.paths) {
		return row.paths[0], true
	}
	return VersionedPath{}, false
}

func (self *RoutingTable) DistanceTo(peer Id) (int, bool) {
	path := self.ShortestPath(peer)
	if path == nil {
		return 0, false
	}
	return len(path), true
}

func (self *RoutingTable) IsDirect(peer Id) bool {
	if row, ok := self.rows[peer]; ok {
		return row.hdl != nil
	}
	return false
}

func (self *RoutingTable) Direct(peer Id) directHandle {
	if row, ok := self.rows[peer]; ok {
		return row.hdl
	}
	return nil
}

func (self *RoutingTable) SetDirect(peer Id, hdl directHandle) {
	row, ok := self.rows[peer]
	if !ok {
		row = &routingTableRow{}
		self.rows[peer] = row
	}
	row.hdl = hdl
}

func (self *RoutingTable) EachDirect(fn func(peer Id, hdl directHandle)) {
	for peerId, row := range self.rows {
		if row.hdl != nil {
			fn(peerId, row.hdl)
		}
	}
}

// inserts the path if absent. an already known path only has its timestamp
// replaced, and only when the stored timestamp is strictly older. returns
// true if a new path was added to the row.
func (self *RoutingTable) AddOrUpdatePath(peer Id, path []Id, ts VectorTimestamp) bool {
	if len(path) == 0 || !pathLoopFree(path) || path[len(path)-1] != peer {
		return false
	}
	row, ok := self.rows[peer]
	if !ok {
		row = &routingTableRow{}
		self.rows[peer] = row
	}
	i, found := slices.BinarySearchFunc(row.paths, path, func(vp VersionedPath, p []Id) int {
		return pathCmp(vp.Path, p)
	})
	if found {
		if row.paths[i].Ts.Before(ts) {
			row.paths[i].Ts = ts.Clone()
		}
		return false
	}
	row.paths = slices.Insert(row.paths, i, VersionedPath{
		Path: slices.Clone(path),
		Ts:   ts.Clone(),
	})
	return true
}

// Erases all state for `peer` and removes every path that includes it.
// Other peers can become unreachable as a result; their rows are erased in
// turn and reported via `onRemove`. The cascade terminates because every
// iteration strictly shrinks the table. `onRemove` must not mutate the
// table.
func (self *RoutingTable) Erase(peer Id, onRemove func(Id)) {
	unreachable := []Id{}
	impl := func(p Id) {
		delete(self.rows, p)
		for peerId, row := range self.rows {
			kept := slices.DeleteFunc(row.paths, func(vp VersionedPath) bool {
				return pathContains(vp.Path, p)
			})
			row.paths = kept
			if len(kept) == 0 {
				unreachable = append(unreachable, peerId)
			}
		}
	}
	impl(peer)
	for 0 < len(unreachable) {
		next := unreachable[len(unreachable)-1]
		unreachable = unreachable[:len(unreachable)-1]
		if _, ok := self.rows[next]; !ok {
			continue
		}
		impl(next)
		if onRemove != nil {
			onRemove(next)
		}
	}
}

// Clears the direct handle for `peer` and drops every path whose first hop
// is `peer`. Paths to `peer` via others survive. Rows left without paths
// are erased and reported via `onRemove`. Returns true iff the row existed.
func (self *RoutingTable) EraseDirect(peer Id, onRemove func(Id)) bool {
	row, ok := self.rows[peer]
	if !ok {
		return false
	}
	row.hdl = nil
	for peerId, r := range self.rows {
		r.paths = slices.DeleteFunc(r.paths, func(vp VersionedPath) bool {
			return vp.Path[0] == peer
		})
		if len(r.paths) == 0 {
			delete(self.rows, peerId)
			if onRemove != nil {
				onRemove(peerId)
			}
		}
	}
	return true
}

// Removes every path matching the revocation and erases rows left empty,
// reporting them via `onRemove`.
func (self *RoutingTable) Revoke(revoker Id, ts LamportTimestamp, hop Id, onRemove func(Id)) {
	for peerId, row := range self.rows {
		row.paths = slices.DeleteFunc(row.paths, func(vp VersionedPath) bool {
			return pathRevoked(vp.Path, vp.Ts, revoker, ts, hop)
		})
		if len(row.paths) == 0 {
			delete(self.rows, peerId)
			if onRemove != nil {
				onRemove(peerId)
			}
		}
	}
}

// A path is revoked iff it routes through `revoker` next to `hop` (on
// either side) and the path's timestamp component for `revoker` is not
// newer than the revocation.
func pathRevoked(path []Id, pathTs VectorTimestamp, revoker Id, ts LamportTimestamp, hop Id) bool {
	if len(path) <= 1 || len(path) != len(pathTs) {
		return false
	}
	for index, id := range path {
		if id != revoker {
			continue
		}
		if ts < pathTs[index] {
			return false
		}
		if 0 < index && path[index-1] == hop {
			return true
		}
		if index < len(path)-1 && path[index+1] == hop {
			return true
		}
		return false
	}
	return false
}

// A recorded path revocation. Entries are deduplicated by
// (revoker, ts, hop); `FirstSeen` bounds how long the entry is kept.
type Revocation struct {
	Revoker   Id
	Ts        LamportTimestamp
	Hop       Id
	FirstSeen time.Time
}

func revocationCmp(a Revocation, b Revocation) int {
	if c := a.Revoker.Cmp(b.Revoker); c != 0 {
		return c
	}
	if a.Ts != b.Ts {
		if a.Ts < b.Ts {
			return -1
		}
		return 1
	}
	return a.Hop.Cmp(b.Hop)
}

// sorted by (revoker, ts, hop)
type revocationList struct {
	entries []Revocation
}

// returns false if the entry already exists
func (self *revocationList) insert(revoker Id, ts LamportTimestamp, hop Id, now time.Time) bool {
	entry := Revocation{Revoker: revoker, Ts: ts, Hop: hop, FirstSeen: now}
	i, found := slices.BinarySearchFunc(self.entries, entry, revocationCmp)
	if found {
		return false
	}
	self.entries = slices.Insert(self.entries, i, entry)
	return true
}

func (self *revocationList) revoked(path []Id, pathTs VectorTimestamp) bool {
	for _, entry := range self.entries {
		if pathRevoked(path, pathTs, entry.Revoker, entry.Ts, entry.Hop) {
			return true
		}
	}
	return false
}

func (self *revocationList) expire(maxAge time.Duration, now time.Time) {
	self.entries = slices.DeleteFunc(self.entries, func(entry Revocation) bool {
		return maxAge < now.Sub(entry.FirstSeen)
	})
}
