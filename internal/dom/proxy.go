package dom

// NodeKind distinguishes the node kinds the structural index stores.
type NodeKind byte

const (
	KindElement NodeKind = iota
	KindAttribute
)

// KindForType maps a name type to the node kind of the stored node.
func KindForType(t NameType) NodeKind {
	if t == AttributeName {
		return KindAttribute
	}
	return KindElement
}

// Match is a value-level match annotation attached to a proxy by other
// indexes; the structural index only carries annotations through.
type Match struct {
	ContextID int
	Term      string
}

// contextEntry records that a proxy was reached from node under a given
// predicate context.
type contextEntry struct {
	contextID int
	node      *NodeProxy
}

// NodeProxy is a lightweight reference to a stored node: the owning
// document, the node id, the node kind, and the internal storage address of
// the serialized node record.
type NodeProxy struct {
	Doc     *Document
	ID      *NodeID
	Kind    NodeKind
	Address uint64

	context []contextEntry
	matches []Match
}

// NewProxy builds a proxy for a stored node.
func NewProxy(doc *Document, id *NodeID, kind NodeKind, address uint64) *NodeProxy {
	return &NodeProxy{Doc: doc, ID: id, Kind: kind, Address: address}
}

// CopyContext shares the context edges of other with this proxy.
func (p *NodeProxy) CopyContext(other *NodeProxy) {
	p.context = other.context
}

// DeepCopyContext clones other's context edges and appends an edge from
// other under the given context id.
func (p *NodeProxy) DeepCopyContext(other *NodeProxy, contextID int) {
	p.context = make([]contextEntry, len(other.context), len(other.context)+1)
	copy(p.context, other.context)
	p.context = append(p.context, contextEntry{contextID: contextID, node: other})
}

// AddMatches merges other's match annotations into this proxy.
func (p *NodeProxy) AddMatches(other *NodeProxy) {
	if len(other.matches) == 0 {
		return
	}
	p.matches = append(p.matches, other.matches...)
}

// AddMatch attaches a match annotation.
func (p *NodeProxy) AddMatch(m Match) {
	p.matches = append(p.matches, m)
}

// Matches returns the proxy's match annotations.
func (p *NodeProxy) Matches() []Match {
	return p.matches
}

// ContextNodes returns the nodes this proxy was reached from, by context id.
func (p *NodeProxy) ContextNodes() map[int][]*NodeProxy {
	if len(p.context) == 0 {
		return nil
	}
	out := make(map[int][]*NodeProxy)
	for _, e := range p.context {
		out[e.contextID] = append(out[e.contextID], e.node)
	}
	return out
}

// NodeSelector lets a caller veto or replace candidate nodes during element
// lookup. Match returns nil to drop the candidate, or a proxy to keep.
// Selectors must not renumber: the returned proxy has to carry the same node
// id it was offered.
type NodeSelector interface {
	Match(doc *Document, id *NodeID) *NodeProxy
}
