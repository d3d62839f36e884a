package structural

import (
	"time"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/internal/dom"
)

// docRange is a maximal run of contiguous document ids; end is inclusive.
type docRange struct {
	start uint32
	end   uint32
}

// docRanges coalesces the set's document ids into contiguous ranges so that
// documents loaded in batches with consecutive ids are covered by one wide
// scan instead of many point ranges.
func docRanges(docs *dom.DocumentSet) []docRange {
	var ranges []docRange
	for _, doc := range docs.Documents() {
		if n := len(ranges); n > 0 && ranges[n-1].end+1 == doc.ID {
			ranges[n-1].end = doc.ID
			continue
		}
		ranges = append(ranges, docRange{start: doc.ID, end: doc.ID})
	}
	return ranges
}

// scanHit is one decoded index entry, buffered so that no user callback
// runs while the store lock is held.
type scanHit struct {
	docID uint32
	id    *dom.NodeID
	value int64
}

// FindElementsByName finds all nodes matching the qualified name across the
// document set. It scans the index once per contiguous docId range, which is
// fast for bulk loading a large node set but slower than the descendant
// lookup when the context is small. When selector is non-nil it may veto a
// candidate or substitute its own proxy; selectors run after each scan has
// finished and the lock is released.
func (w *Worker) FindElementsByName(t dom.NameType, docs *dom.DocumentSet, q dom.QName, selector dom.NodeSelector) *dom.NodeSet {
	result := dom.NewNodeSet(docs.Count() * 4)
	for _, r := range docRanges(docs) {
		fromKey, err := w.codec.nameKeyPrefix(t, q, r.start)
		if err != nil {
			w.logger.Warn("cannot encode scan range", "qname", q.String(), "error", err)
			continue
		}
		toKey, err := w.codec.nameKeyPrefix(t, q, r.end+1)
		if err != nil {
			w.logger.Warn("cannot encode scan range", "qname", q.String(), "error", err)
			continue
		}

		var hits []scanHit
		if err := w.index.acquire(btree.LockRead); err != nil {
			w.logger.Warn("lock problem while searching structural index", "error", err)
			continue
		}
		start := time.Now()
		err = w.index.store.RangeScan(fromKey, toKey, func(key []byte, value int64) bool {
			if w.terminated.Load() {
				return false
			}
			hits = append(hits, scanHit{docID: readDocID(key), id: readNodeID(key, value), value: value})
			return true
		})
		w.index.countScan("elements", start)
		w.index.release(btree.LockRead)
		if err != nil {
			w.logger.Warn("error while searching structural index", "error", err)
			continue
		}

		for _, hit := range hits {
			doc := docs.Get(hit.docID)
			if doc == nil {
				continue
			}
			if selector == nil {
				result.Add(dom.NewProxy(doc, hit.id, dom.KindForType(t), address(hit.value)))
				continue
			}
			if p := selector.Match(doc, hit.id); p != nil {
				p.Kind = dom.KindForType(t)
				p.Address = address(hit.value)
				result.Add(p)
			}
		}
	}
	if w.index.metrics != nil {
		w.index.metrics.ScanHitsTotal.Add(float64(result.Len()))
	}
	return result
}

// FindDescendantsByName finds descendants (or children, or attributes,
// depending on axis) of the ancestor set that match the qualified name. One
// subtree range scan runs per ancestor, so this wins over FindElementsByName
// whenever the context set is small against the index.
func (w *Worker) FindDescendantsByName(t dom.NameType, q dom.QName, axis dom.Axis, docs *dom.DocumentSet, ancestors *dom.NodeSet, contextID int) *dom.NodeSet {
	result := dom.NewNodeSet(ancestors.Len() * 4)
	for _, ancestor := range ancestors.Nodes() {
		doc := ancestor.Doc
		var fromKey, toKey []byte
		var err error
		if ancestor.ID.IsDocumentNode() {
			fromKey, err = w.codec.nameKeyPrefix(t, q, doc.ID)
			if err == nil {
				toKey, err = w.codec.nameKeyPrefix(t, q, doc.ID+1)
			}
		} else {
			fromKey, err = w.codec.nameKey(t, q, doc.ID, ancestor.ID)
			if err == nil {
				toKey, err = w.codec.nameKey(t, q, doc.ID, ancestor.ID.NextSibling())
			}
		}
		if err != nil {
			w.logger.Warn("cannot encode scan range", "qname", q.String(), "error", err)
			continue
		}

		var hits []scanHit
		if err := w.index.acquire(btree.LockRead); err != nil {
			w.logger.Warn("lock problem while searching structural index", "error", err)
			continue
		}
		start := time.Now()
		err = w.index.store.RangeScan(fromKey, toKey, func(key []byte, value int64) bool {
			if w.terminated.Load() {
				return false
			}
			hits = append(hits, scanHit{id: readNodeID(key, value), value: value})
			return true
		})
		w.index.countScan("descendants", start)
		w.index.release(btree.LockRead)
		if err != nil {
			w.logger.Warn("error while searching structural index", "error", err)
			continue
		}

		for _, hit := range hits {
			if !axisMatches(axis, hit.id, ancestor.ID) {
				continue
			}
			p := dom.NewProxy(doc, hit.id, dom.KindForType(t), address(hit.value))
			propagateContext(p, ancestor, contextID)
			result.Add(p)
		}
	}
	// each subtree scan is already in document order; the composed set is
	// not, and callers sort when they need global order
	result.MarkUnsorted()
	if w.index.metrics != nil {
		w.index.metrics.ScanHitsTotal.Add(float64(result.Len()))
	}
	return result
}

// axisMatches applies the axis filter to a candidate inside an ancestor's
// subtree range.
func axisMatches(axis dom.Axis, candidate, ancestor *dom.NodeID) bool {
	switch axis {
	case dom.AxisDescendantSelf, dom.AxisDescendantAttribute:
		return true
	case dom.AxisChild, dom.AxisAttribute:
		return candidate.ComputeRelation(ancestor) == dom.RelChild
	case dom.AxisDescendant:
		rel := candidate.ComputeRelation(ancestor)
		return rel == dom.RelDescendant || rel == dom.RelChild
	default:
		return false
	}
}

// FindAncestorsByName finds ancestors (or parents, or the nodes themselves,
// depending on axis) of the descendant set that match the qualified name.
// Ancestor chains are short, so one exact lookup per step beats scanning.
func (w *Worker) FindAncestorsByName(t dom.NameType, q dom.QName, axis dom.Axis, docs *dom.DocumentSet, descendants *dom.NodeSet, contextID int) *dom.NodeSet {
	result := dom.NewNodeSet(descendants.Len())
	for _, descendant := range descendants.Nodes() {
		parentID := descendant.ID
		if axis != dom.AxisAncestorSelf && axis != dom.AxisSelf {
			parentID = descendant.ID.ParentID()
		}
		doc := descendant.Doc
		for !parentID.IsDocumentNode() {
			key, err := w.codec.nameKey(t, q, doc.ID, parentID)
			if err != nil {
				w.logger.Warn("cannot encode lookup key", "qname", q.String(), "error", err)
				break
			}
			if err := w.index.acquire(btree.LockRead); err != nil {
				w.logger.Warn("lock problem while searching structural index", "error", err)
				break
			}
			value, found := w.index.store.Get(key)
			w.index.release(btree.LockRead)
			if w.index.metrics != nil {
				w.index.metrics.PointLookupsTotal.Inc()
			}
			if found {
				p := dom.NewProxy(doc, parentID, dom.KindForType(t), address(value))
				propagateContext(p, descendant, contextID)
				result.Add(p)
			}
			// the self and parent axes look at exactly one candidate
			if axis == dom.AxisSelf || axis == dom.AxisParent {
				break
			}
			parentID = parentID.ParentID()
		}
	}
	result.Sort()
	return result
}

// propagateContext records how a result proxy was reached from its driving
// proxy and carries match annotations across.
func propagateContext(p, driver *dom.NodeProxy, contextID int) {
	if contextID != dom.NoContextID {
		p.DeepCopyContext(driver, contextID)
	} else {
		p.CopyContext(driver)
	}
	p.AddMatches(driver)
}

// MatchElementsByName reports whether any node matches without materializing
// a node set. The structural index does not implement the match shortcut;
// callers fall back to FindElementsByName.
func (w *Worker) MatchElementsByName(t dom.NameType, docs *dom.DocumentSet, q dom.QName, selector dom.NodeSelector) bool {
	return false
}

// MatchDescendantsByName is the descendant counterpart of
// MatchElementsByName and is likewise not implemented.
func (w *Worker) MatchDescendantsByName(t dom.NameType, q dom.QName, axis dom.Axis, docs *dom.DocumentSet, ancestors *dom.NodeSet, contextID int) bool {
	return false
}
