package weft

import (
	"encoding/binary"
	"slices"
	"strings"
)

// A multipath is the tree-shaped dispatch descriptor attached to an
// outbound message. It is computed once at the source by overlaying the
// shortest path to every receiver; the tree branches where the downstream
// destination sets diverge. Each node carries an endpoint id and whether
// that endpoint delivers the message locally.
type Multipath struct {
	Head     Id
	Receiver bool
	Children []*Multipath
}

func NewMultipath(head Id) *Multipath {
	return &Multipath{Head: head}
}

// finds or inserts the child for `id`, keeping children ordered by id
func (self *Multipath) child(id Id) *Multipath {
	i, found := slices.BinarySearchFunc(self.Children, id, func(node *Multipath, target Id) int {
		return node.Head.Cmp(target)
	})
	if found {
		return self.Children[i]
	}
	node := NewMultipath(id)
	self.Children = slices.Insert(self.Children, i, node)
	return node
}

// overlays a shortest path (hops ending at the receiver) onto the tree
func (self *Multipath) addPath(path []Id, receiver bool) {
	node := self
	for _, hop := range path {
		node = node.child(hop)
	}
	if receiver {
		node.Receiver = true
	}
}

func (self *Multipath) NodeCount() int {
	n := 1
	for _, node := range self.Children {
		n += node.NodeCount()
	}
	return n
}

func (self *Multipath) String() string {
	var sb strings.Builder
	self.appendText(&sb)
	return sb.String()
}

func (self *Multipath) appendText(sb *strings.Builder) {
	sb.WriteString(self.Head.String())
	if self.Receiver {
		sb.WriteByte('*')
	}
	if 0 < len(self.Children) {
		sb.WriteByte('(')
		for i, node := range self.Children {
			if 0 < i {
				sb.WriteString(", ")
			}
			node.appendText(sb)
		}
		sb.WriteByte(')')
	}
}

// Builds the dispatch tree rooted at `self` for the given receivers,
// following the shortest path to each. Receivers without a route are
// reported back so the caller can surface unreachability. The shortest
// path list is kept sorted by (length, lex), so equal-length ties resolve
// the same way on every endpoint.
func buildMultipath(selfId Id, receivers []Id, tbl *RoutingTable) (*Multipath, []Id) {
	root := NewMultipath(selfId)
	unreachable := []Id{}
	ordered := slices.Clone(receivers)
	slices.SortFunc(ordered, Id.Cmp)
	for _, receiver := range ordered {
		if receiver == selfId {
			root.Receiver = true
			continue
		}
		path := tbl.ShortestPath(receiver)
		if path == nil {
			unreachable = append(unreachable, receiver)
			continue
		}
		root.addPath(path, true)
	}
	return root, unreachable
}

// wire form: pre-order walk, each node
// `endpoint_id(16) ‖ is_receiver(1) ‖ child_count(varint)`

func (self *Multipath) Encode() []byte {
	return self.appendWire(nil)
}

func (self *Multipath) appendWire(buf []byte) []byte {
	buf = append(buf, self.Head.Bytes()...)
	if self.Receiver {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.AppendUvarint(buf, uint64(len(self.Children)))
	for _, node := range self.Children {
		buf = node.appendWire(buf)
	}
	return buf
}

const maxMultipathNodes = 1024

func DecodeMultipath(b []byte) (*Multipath, error) {
	if len(b) == 0 {
		return nil, nil
	}
	budget := maxMultipathNodes
	node, rest, err := decodeMultipathNode(b, &budget)
	if err != nil {
		return nil, err
	}
	if 0 < len(rest) {
		return nil, malformed("%d trailing multipath bytes", len(rest))
	}
	return node, nil
}

func decodeMultipathNode(b []byte, budget *int) (*Multipath, []byte, error) {
	if *budget <= 0 {
		return nil, nil, malformed("multipath too large")
	}
	*budget -= 1
	if len(b) < 17 {
		return nil, nil, malformed("truncated multipath node")
	}
	node := &Multipath{
		Head:     Id(b[0:16]),
		Receiver: b[16] != 0,
	}
	childCount, rest, err := decodeUvarint(b[17:])
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < childCount {
		return nil, nil, malformed("multipath child count %d exceeds input", childCount)
	}
	for i := uint64(0); i < childCount; i += 1 {
		var childNode *Multipath
		childNode, rest, err = decodeMultipathNode(rest, budget)
		if err != nil {
			return nil, nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, rest, nil
}

func (self *Multipath) Equal(other *Multipath) bool {
	if self == nil || other == nil {
		return self == other
	}
	if self.Head != other.Head || self.Receiver != other.Receiver {
		return false
	}
	if len(self.Children) != len(other.Children) {
		return false
	}
	for i := range self.Children {
		if !self.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}
