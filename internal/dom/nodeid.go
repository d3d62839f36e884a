// Package dom holds the node-level data model of the database: hierarchical
// node identifiers, qualified names, documents and document sets, node
// proxies and node sets, and the XPath axis constants.
package dom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nativexml/nxdb/pkg/errors"
)

// Relation is the structural relation of one node id to another, as computed
// by NodeID.ComputeRelation.
type Relation int

const (
	RelSelf Relation = iota
	RelChild
	RelDescendant
	RelAncestor
	RelParent
	RelSibling
	RelUnrelated
)

func (r Relation) String() string {
	switch r {
	case RelSelf:
		return "self"
	case RelChild:
		return "child"
	case RelDescendant:
		return "descendant"
	case RelAncestor:
		return "ancestor"
	case RelParent:
		return "parent"
	case RelSibling:
		return "sibling"
	default:
		return "unrelated"
	}
}

// NodeID is a hierarchical, order-preserving node identifier. It encodes the
// path from the document root to a node as a packed bit string: one id per
// tree level, levels joined by a 0 separator bit. A 1 separator introduces a
// sub-level id, which subdivides the sibling space without renumbering
// (a node "1.2/1" sits between "1.2" and "1.3" on the same level).
//
// Each level id n >= 1 is written in a size class k: (k-1) one bits, a zero
// bit, then 2k value bits. Class 1 holds ids 1-3 in three bits, class 2 ids
// 4-19 in six bits, class 3 ids 20-83 in nine bits, and so on. Class
// prefixes are ordered, so the lexicographic order of two bit strings equals
// document order, and an ancestor's bit string is a strict prefix of every
// descendant's.
type NodeID struct {
	bits  []byte
	units int
}

// DocumentNode is the distinguished identifier of the (virtual) document
// root. It has no bits; ParentID of a depth-1 node returns it.
var DocumentNode = &NodeID{}

// IsDocumentNode reports whether id addresses the virtual document root.
func (id *NodeID) IsDocumentNode() bool {
	return id.units == 0
}

// Units returns the number of significant bits in the identifier.
func (id *NodeID) Units() int {
	return id.units
}

// Size returns the number of whole bytes needed to serialize the identifier.
func (id *NodeID) Size() int {
	return (id.units + 7) / 8
}

// Serialize writes Size() bytes into buf starting at offset.
func (id *NodeID) Serialize(buf []byte, offset int) {
	copy(buf[offset:], id.bits[:id.Size()])
}

// Bytes returns the serialized form of the identifier.
func (id *NodeID) Bytes() []byte {
	out := make([]byte, id.Size())
	id.Serialize(out, 0)
	return out
}

// FromData reconstructs a NodeID from units significant bits starting at
// buf[offset]. The byte range is copied; trailing pad bits are cleared.
func FromData(units int, buf []byte, offset int) *NodeID {
	if units <= 0 {
		return DocumentNode
	}
	size := (units + 7) / 8
	bits := make([]byte, size)
	copy(bits, buf[offset:offset+size])
	if rem := units % 8; rem != 0 {
		bits[size-1] &= byte(0xFF << (8 - rem))
	}
	return &NodeID{bits: bits, units: units}
}

// level id size classes: class k covers ids [classOffset(k), classOffset(k+1)).
func classOffset(k int) uint64 {
	// class 1 encodes ids 1-3 directly; higher classes are offset encoded.
	off := uint64(4)
	for i := 2; i < k; i++ {
		off += uint64(1) << (2 * uint(i))
	}
	if k == 1 {
		return 1
	}
	return off
}

type bitWriter struct {
	bits  []byte
	count int
}

func (w *bitWriter) writeBit(b int) {
	if w.count%8 == 0 {
		w.bits = append(w.bits, 0)
	}
	if b != 0 {
		w.bits[w.count/8] |= 1 << (7 - uint(w.count%8))
	}
	w.count++
}

func (w *bitWriter) writeBits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(int((v >> uint(i)) & 1))
	}
}

func (w *bitWriter) writeLevelID(n uint64) {
	k := 1
	for n >= classOffset(k+1) {
		k++
	}
	for i := 0; i < k-1; i++ {
		w.writeBit(1)
	}
	w.writeBit(0)
	v := n
	if k > 1 {
		v = n - classOffset(k)
	}
	w.writeBits(v, 2*k)
}

type bitReader struct {
	bits  []byte
	units int
	pos   int
}

func (r *bitReader) remaining() int {
	return r.units - r.pos
}

func (r *bitReader) readBit() int {
	b := int(r.bits[r.pos/8]>>(7-uint(r.pos%8))) & 1
	r.pos++
	return b
}

func (r *bitReader) readBits(n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<1 | uint64(r.readBit())
	}
	return v
}

func (r *bitReader) readLevelID() (uint64, error) {
	k := 1
	for r.remaining() > 0 && r.readBit() == 1 {
		k++
	}
	if r.remaining() < 2*k {
		return 0, errors.Newf(errors.ErrInvalidInput, "truncated node id at bit %d", r.pos)
	}
	v := r.readBits(2 * k)
	if k == 1 {
		if v == 0 {
			return 0, errors.New(errors.ErrInvalidInput, "zero level id in node id")
		}
		return v, nil
	}
	return v + classOffset(k), nil
}

// levelID is one level of a node id: a top id plus any sub-level ids.
type levelID []uint64

// levels parses the identifier into its per-level ids.
func (id *NodeID) levels() ([]levelID, error) {
	if id.units == 0 {
		return nil, nil
	}
	r := &bitReader{bits: id.bits, units: id.units}
	var out []levelID
	current := levelID{}
	for {
		n, err := r.readLevelID()
		if err != nil {
			return nil, err
		}
		current = append(current, n)
		if r.remaining() == 0 {
			out = append(out, current)
			return out, nil
		}
		if r.readBit() == 0 {
			out = append(out, current)
			current = levelID{}
		}
	}
}

// fromLevels builds a NodeID from parsed levels.
func fromLevels(levels []levelID) *NodeID {
	if len(levels) == 0 {
		return DocumentNode
	}
	w := &bitWriter{}
	for i, lvl := range levels {
		if i > 0 {
			w.writeBit(0)
		}
		for j, n := range lvl {
			if j > 0 {
				w.writeBit(1)
			}
			w.writeLevelID(n)
		}
	}
	return &NodeID{bits: w.bits, units: w.count}
}

// NewNodeID builds an identifier from top-level ids, one per tree level.
func NewNodeID(ids ...uint64) *NodeID {
	levels := make([]levelID, len(ids))
	for i, n := range ids {
		levels[i] = levelID{n}
	}
	return fromLevels(levels)
}

// ParseNodeID parses the textual form "1.2.3" with optional sub-level ids
// written as "1.2/1.3".
func ParseNodeID(s string) (*NodeID, error) {
	if s == "" {
		return DocumentNode, nil
	}
	var levels []levelID
	for _, part := range strings.Split(s, ".") {
		var lvl levelID
		for _, sub := range strings.Split(part, "/") {
			n, err := strconv.ParseUint(sub, 10, 64)
			if err != nil || n == 0 {
				return nil, errors.Newf(errors.ErrInvalidInput, "bad node id %q", s)
			}
			lvl = append(lvl, n)
		}
		levels = append(levels, lvl)
	}
	return fromLevels(levels), nil
}

// String renders the identifier as "1.2.3", with sub-level ids joined by "/".
func (id *NodeID) String() string {
	if id.units == 0 {
		return "DOCUMENT"
	}
	levels, err := id.levels()
	if err != nil {
		return fmt.Sprintf("<invalid:%v>", err)
	}
	parts := make([]string, len(levels))
	for i, lvl := range levels {
		subs := make([]string, len(lvl))
		for j, n := range lvl {
			subs[j] = strconv.FormatUint(n, 10)
		}
		parts[i] = strings.Join(subs, "/")
	}
	return strings.Join(parts, ".")
}

// Valid reports whether the bit string parses as a well-formed identifier.
func (id *NodeID) Valid() bool {
	if id.units == 0 {
		return true
	}
	_, err := id.levels()
	return err == nil
}

// ParentID returns the identifier of the parent node, or DocumentNode for a
// node at depth one.
func (id *NodeID) ParentID() *NodeID {
	levels, err := id.levels()
	if err != nil || len(levels) <= 1 {
		return DocumentNode
	}
	return fromLevels(levels[:len(levels)-1])
}

// NextSibling returns the identifier that directly follows this node's
// subtree: it is strictly greater than every descendant of the node and not
// greater than any true following sibling, which makes it the exclusive
// upper bound for subtree range scans.
func (id *NodeID) NextSibling() *NodeID {
	levels, err := id.levels()
	if err != nil || len(levels) == 0 {
		return DocumentNode
	}
	out := make([]levelID, len(levels))
	copy(out, levels)
	last := append(levelID{}, levels[len(levels)-1]...)
	last[len(last)-1]++
	out[len(out)-1] = last
	return fromLevels(out)
}

// ComputeRelation returns the relation of this node to other: RelChild means
// this node is a child of other, RelAncestor means this node is an ancestor
// of other, and so on.
func (id *NodeID) ComputeRelation(other *NodeID) Relation {
	if other.IsDocumentNode() {
		if id.IsDocumentNode() {
			return RelSelf
		}
		levels, err := id.levels()
		if err != nil {
			return RelUnrelated
		}
		if len(levels) == 1 {
			return RelChild
		}
		return RelDescendant
	}
	if id.IsDocumentNode() {
		return RelAncestor
	}
	a, err := id.levels()
	if err != nil {
		return RelUnrelated
	}
	b, err := other.levels()
	if err != nil {
		return RelUnrelated
	}
	common := len(a)
	if len(b) < common {
		common = len(b)
	}
	for i := 0; i < common; i++ {
		if !levelEqual(a[i], b[i]) {
			if i == common-1 && len(a) == len(b) {
				return RelSibling
			}
			return RelUnrelated
		}
	}
	switch {
	case len(a) == len(b):
		return RelSelf
	case len(a) == len(b)+1:
		return RelChild
	case len(a) > len(b):
		return RelDescendant
	case len(b) == len(a)+1:
		return RelParent
	default:
		return RelAncestor
	}
}

func levelEqual(a, b levelID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Compare orders two identifiers in document order: negative when id sorts
// before other. An ancestor sorts before its descendants.
func (id *NodeID) Compare(other *NodeID) int {
	n := len(id.bits)
	if len(other.bits) < n {
		n = len(other.bits)
	}
	for i := 0; i < n; i++ {
		if id.bits[i] != other.bits[i] {
			if id.bits[i] < other.bits[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case id.units < other.units:
		return -1
	case id.units > other.units:
		return 1
	default:
		return 0
	}
}

// Equal reports whether two identifiers address the same node.
func (id *NodeID) Equal(other *NodeID) bool {
	return id.Compare(other) == 0
}
