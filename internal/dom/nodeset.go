package dom

import "sort"

// NodeSet is a collection of node proxies. Adds keep insertion order; Sort
// restores global document order (document id, then node id). A set filled
// from multiple range scans is left unsorted and marked accordingly.
type NodeSet struct {
	nodes  []*NodeProxy
	sorted bool
}

// NewNodeSet returns an empty set with the given capacity hint.
func NewNodeSet(capacity int) *NodeSet {
	return &NodeSet{nodes: make([]*NodeProxy, 0, capacity), sorted: true}
}

// Add appends a proxy to the set.
func (s *NodeSet) Add(p *NodeProxy) {
	s.nodes = append(s.nodes, p)
}

// Len returns the number of proxies in the set.
func (s *NodeSet) Len() int {
	return len(s.nodes)
}

// At returns the proxy at position i.
func (s *NodeSet) At(i int) *NodeProxy {
	return s.nodes[i]
}

// Nodes returns the backing slice.
func (s *NodeSet) Nodes() []*NodeProxy {
	return s.nodes
}

// IsSorted reports whether the set is known to be in document order.
func (s *NodeSet) IsSorted() bool {
	return s.sorted
}

// MarkUnsorted records that the set is not in global document order. Callers
// composing multiple scan ranges must Sort explicitly when order matters.
func (s *NodeSet) MarkUnsorted() {
	s.sorted = false
}

// Sort puts the set into document order and drops duplicate nodes.
func (s *NodeSet) Sort() {
	sort.SliceStable(s.nodes, func(i, j int) bool {
		a, b := s.nodes[i], s.nodes[j]
		if a.Doc.ID != b.Doc.ID {
			return a.Doc.ID < b.Doc.ID
		}
		return a.ID.Compare(b.ID) < 0
	})
	dedup := s.nodes[:0]
	for i, p := range s.nodes {
		if i > 0 {
			prev := s.nodes[i-1]
			if prev.Doc.ID == p.Doc.ID && prev.ID.Equal(p.ID) {
				continue
			}
		}
		dedup = append(dedup, p)
	}
	s.nodes = dedup
	s.sorted = true
}
