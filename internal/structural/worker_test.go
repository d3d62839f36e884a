package structural

import (
	"context"
	"fmt"
	"testing"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/internal/symbols"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	return New(btree.OpenEphemeral(), symbols.NewMemory())
}

// streamDocument pushes a document with the given element nodes through the
// worker's listener and flushes in store mode. nodes maps node-id strings to
// addresses.
func streamDocument(t *testing.T, w *Worker, doc *dom.Document, q dom.QName, nodes map[string]uint64) {
	t.Helper()
	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	for s, addr := range nodes {
		l.StartElement(q, mustNodeID(t, s), addr, nil)
	}
	l.EndDocument()
	w.Flush()
}

func elementSet(t *testing.T, w *Worker, docs *dom.DocumentSet, q dom.QName) map[string]*dom.NodeProxy {
	t.Helper()
	result := w.FindElementsByName(dom.ElementName, docs, q, nil)
	out := make(map[string]*dom.NodeProxy, result.Len())
	for _, p := range result.Nodes() {
		out[fmt.Sprintf("%d:%s", p.Doc.ID, p.ID)] = p
	}
	return out
}

func TestStoreAndFindElements(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 42, URI: "/db/books/b1.xml"}
	book := dom.NewQName("book", "")

	streamDocument(t, w, doc, book, map[string]uint64{
		"1":     0x100,
		"1.2":   0x200,
		"1.2.1": 0x300,
	})

	docs := dom.NewDocumentSet(doc)
	found := elementSet(t, w, docs, book)
	if len(found) != 3 {
		t.Fatalf("found %d nodes, want 3", len(found))
	}
	p := found["42:1"]
	if p == nil {
		t.Fatal("root element missing from result")
	}
	if p.Address != 0x100 {
		t.Errorf("address = %#x, want 0x100", p.Address)
	}
	if p.Kind != dom.KindElement {
		t.Errorf("kind = %v", p.Kind)
	}

	// a different qname finds nothing
	other := elementSet(t, w, docs, dom.NewQName("chapter", ""))
	if len(other) != 0 {
		t.Errorf("chapter lookup found %d nodes", len(other))
	}
	// a document outside the set contributes nothing
	strangers := dom.NewDocumentSet(&dom.Document{ID: 7})
	if got := w.FindElementsByName(dom.ElementName, strangers, book, nil); got.Len() != 0 {
		t.Errorf("lookup across wrong docs found %d nodes", got.Len())
	}
}

// TestStoreIdempotent re-streams the same element and checks that exactly
// one name-key and one doc-key exist.
func TestStoreIdempotent(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 42}
	book := dom.NewQName("book", "")

	for i := 0; i < 2; i++ {
		streamDocument(t, w, doc, book, map[string]uint64{"1": 0x100})
	}
	if n := ix.Store().Count(); n != 2 {
		t.Errorf("store holds %d entries, want one name-key and one doc-key", n)
	}

	found := elementSet(t, w, dom.NewDocumentSet(doc), book)
	if len(found) != 1 {
		t.Errorf("found %d nodes, want 1", len(found))
	}
}

// TestDocRangeCoalescing pins the range computation of the element lookup:
// documents 10,11,12,15 produce exactly two scans.
func TestDocRangeCoalescing(t *testing.T) {
	docs := dom.NewDocumentSet(
		&dom.Document{ID: 12},
		&dom.Document{ID: 10},
		&dom.Document{ID: 15},
		&dom.Document{ID: 11},
	)
	ranges := docRanges(docs)
	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2", len(ranges))
	}
	if ranges[0] != (docRange{start: 10, end: 12}) {
		t.Errorf("first range = %+v", ranges[0])
	}
	if ranges[1] != (docRange{start: 15, end: 15}) {
		t.Errorf("second range = %+v", ranges[1])
	}
}

func TestFindElementsAcrossDocRanges(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	book := dom.NewQName("book", "")

	all := dom.NewDocumentSet()
	for _, id := range []uint32{10, 11, 12, 15} {
		doc := &dom.Document{ID: id}
		all.Add(doc)
		streamDocument(t, w, doc, book, map[string]uint64{"1": uint64(id) << 8})
	}
	// document 13 exists in the index but not in the query set
	streamDocument(t, w, &dom.Document{ID: 13}, book, map[string]uint64{"1": 0xD00})

	found := elementSet(t, w, all, book)
	if len(found) != 4 {
		t.Fatalf("found %d nodes, want 4", len(found))
	}
	for _, id := range []uint32{10, 11, 12, 15} {
		if found[fmt.Sprintf("%d:1", id)] == nil {
			t.Errorf("document %d missing from result", id)
		}
	}
}

type vetoSelector struct {
	veto string
}

func (s vetoSelector) Match(doc *dom.Document, id *dom.NodeID) *dom.NodeProxy {
	if id.String() == s.veto {
		return nil
	}
	return dom.NewProxy(doc, id, dom.KindElement, 0)
}

func TestFindElementsSelector(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 1}
	book := dom.NewQName("book", "")
	streamDocument(t, w, doc, book, map[string]uint64{"1": 0x10, "1.1": 0x20})

	result := w.FindElementsByName(dom.ElementName, dom.NewDocumentSet(doc), book, vetoSelector{veto: "1.1"})
	if result.Len() != 1 {
		t.Fatalf("selector left %d nodes, want 1", result.Len())
	}
	p := result.At(0)
	if p.ID.String() != "1" {
		t.Errorf("survivor is %s", p.ID)
	}
	// the selector's proxy is kept, but kind and address come from the index
	if p.Address != 0x10 {
		t.Errorf("address not overridden: %#x", p.Address)
	}
}

// TestFindDescendants mirrors the subtree scenario: ancestor 1.2 with nodes
// at 1.2.1, 1.2.1.4 and 1.3 sees 1.2.1 and 1.2.1.4 on the descendant axis,
// only 1.2.1 on the child axis, and never 1.3.
func TestFindDescendants(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 9}
	book := dom.NewQName("book", "")
	section := dom.NewQName("section", "")

	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1.2"), 0x10, nil)
	l.StartElement(section, mustNodeID(t, "1.2.1"), 0x20, nil)
	l.StartElement(section, mustNodeID(t, "1.2.1.4"), 0x30, nil)
	l.StartElement(section, mustNodeID(t, "1.3"), 0x40, nil)
	l.EndDocument()
	w.Flush()

	ancestors := dom.NewNodeSet(1)
	ancestors.Add(dom.NewProxy(doc, mustNodeID(t, "1.2"), dom.KindElement, 0x10))
	docs := dom.NewDocumentSet(doc)

	descendants := w.FindDescendantsByName(dom.ElementName, section, dom.AxisDescendant, docs, ancestors, dom.NoContextID)
	if descendants.Len() != 2 {
		t.Fatalf("descendant axis found %d nodes, want 2", descendants.Len())
	}
	if descendants.IsSorted() {
		t.Error("descendant results should be marked unsorted")
	}

	children := w.FindDescendantsByName(dom.ElementName, section, dom.AxisChild, docs, ancestors, dom.NoContextID)
	if children.Len() != 1 || children.At(0).ID.String() != "1.2.1" {
		t.Fatalf("child axis found %v", children.Nodes())
	}

	// a document-node ancestor covers the whole document
	docAncestors := dom.NewNodeSet(1)
	docAncestors.Add(dom.NewProxy(doc, dom.DocumentNode, dom.KindElement, 0))
	whole := w.FindDescendantsByName(dom.ElementName, section, dom.AxisDescendantSelf, docs, docAncestors, dom.NoContextID)
	if whole.Len() != 3 {
		t.Errorf("document-node ancestor found %d nodes, want 3", whole.Len())
	}
	topChild := w.FindDescendantsByName(dom.ElementName, book, dom.AxisChild, docs, docAncestors, dom.NoContextID)
	if topChild.Len() != 0 {
		// book sits at depth two in this document
		t.Errorf("child-of-document found %d nodes", topChild.Len())
	}
}

// TestFindAncestors climbs from 1.2.3 with a qname that only the root
// carries and expects exactly one hit.
func TestFindAncestors(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 3}
	book := dom.NewQName("book", "")
	section := dom.NewQName("section", "")

	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1"), 0x10, nil)
	l.StartElement(section, mustNodeID(t, "1.2"), 0x20, nil)
	l.StartElement(section, mustNodeID(t, "1.2.3"), 0x30, nil)
	l.EndDocument()
	w.Flush()

	docs := dom.NewDocumentSet(doc)
	descendants := dom.NewNodeSet(1)
	descendants.Add(dom.NewProxy(doc, mustNodeID(t, "1.2.3"), dom.KindElement, 0x30))

	result := w.FindAncestorsByName(dom.ElementName, book, dom.AxisAncestor, docs, descendants, dom.NoContextID)
	if result.Len() != 1 {
		t.Fatalf("ancestor axis found %d nodes, want 1", result.Len())
	}
	if got := result.At(0); got.ID.String() != "1" || got.Address != 0x10 {
		t.Errorf("hit %s at %#x", got.ID, got.Address)
	}

	// ancestor-or-self with the section qname finds the node itself and 1.2
	self := w.FindAncestorsByName(dom.ElementName, section, dom.AxisAncestorSelf, docs, descendants, dom.NoContextID)
	if self.Len() != 2 {
		t.Fatalf("ancestor-or-self found %d nodes, want 2", self.Len())
	}
	if !self.IsSorted() {
		t.Error("ancestor results should be sorted")
	}
	if self.At(0).ID.String() != "1.2" || self.At(1).ID.String() != "1.2.3" {
		t.Errorf("order: %s, %s", self.At(0).ID, self.At(1).ID)
	}

	// the parent axis stops after one step
	parent := w.FindAncestorsByName(dom.ElementName, section, dom.AxisParent, docs, descendants, dom.NoContextID)
	if parent.Len() != 1 || parent.At(0).ID.String() != "1.2" {
		t.Fatalf("parent axis found %v", parent.Nodes())
	}
}

// TestRemoveDocument checks that removal leaves no key of the document in
// either region.
func TestRemoveDocument(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	book := dom.NewQName("book", "")
	title := dom.NewAttrQName("title", "")

	doc := &dom.Document{ID: 42}
	keep := &dom.Document{ID: 43}

	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1"), 0x100, nil)
	l.StartElement(book, mustNodeID(t, "1.5"), 0x200, nil)
	l.Attribute(title, mustNodeID(t, "1.1"), 0x300, nil)
	l.EndDocument()
	w.Flush()
	streamDocument(t, w, keep, book, map[string]uint64{"1": 0x900})

	w.SetDocument(doc, ModeRemoveAll)
	w.Flush()

	if got := w.FindElementsByName(dom.ElementName, dom.NewDocumentSet(doc), book, nil); got.Len() != 0 {
		t.Errorf("removed document still answers element lookups: %d", got.Len())
	}
	// scan the full key space for any trace of docId 42
	lock := ix.Store().Lock()
	lock.Acquire(btree.LockRead)
	ix.Store().RangeScan(nil, nil, func(key []byte, value int64) bool {
		var docID uint32
		if key[0] < 0x02 {
			docID = readDocID(key)
		} else {
			docID = uint32(key[1])<<24 | uint32(key[2])<<16 | uint32(key[3])<<8 | uint32(key[4])
		}
		if docID == 42 {
			t.Errorf("key referencing document 42 survived: % x", key)
		}
		return true
	})
	lock.Release(btree.LockRead)

	// the other document is untouched
	if got := w.FindElementsByName(dom.ElementName, dom.NewDocumentSet(keep), book, nil); got.Len() != 1 {
		t.Errorf("removal damaged a neighbouring document: %d nodes left", got.Len())
	}
}

// TestRemoveSome deletes selected nodes but must leave the per-document
// inventory alone.
func TestRemoveSome(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 5}
	book := dom.NewQName("book", "")

	streamDocument(t, w, doc, book, map[string]uint64{"1": 0x10, "1.1": 0x20, "1.2": 0x30})

	w.SetDocument(doc, ModeRemoveSome)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1.1"), 0x20, nil)
	l.EndDocument()
	w.Flush()

	found := elementSet(t, w, dom.NewDocumentSet(doc), book)
	if len(found) != 2 {
		t.Fatalf("found %d nodes after partial removal, want 2", len(found))
	}
	if found["5:1.1"] != nil {
		t.Error("removed node still present")
	}

	// the doc-key must survive a partial removal
	docKeys := 0
	lock := ix.Store().Lock()
	lock.Acquire(btree.LockRead)
	ix.Store().RangeScan(docKeyPrefix(5), docKeyPrefix(6), func(key []byte, value int64) bool {
		docKeys++
		return true
	})
	lock.Release(btree.LockRead)
	if docKeys != 1 {
		t.Errorf("doc-key count after partial removal = %d, want 1", docKeys)
	}
}

func TestListenerModeGating(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 8}
	book := dom.NewQName("book", "")

	w.SetDocument(doc, ModeUnknown)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1"), 0x10, nil)
	l.EndDocument()
	w.Flush()

	if ix.Store().Count() != 0 {
		t.Errorf("unknown mode stored %d entries", ix.Store().Count())
	}
}

func TestFlushClearsPendingOnAnyOutcome(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 6}
	book := dom.NewQName("book", "")

	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1"), 0x10, nil)
	w.Flush()
	if len(w.pending) != 0 {
		t.Error("pending not cleared after store flush")
	}

	w.SetDocument(doc, ModeRemoveSome)
	l.StartElement(book, mustNodeID(t, "1"), 0x10, nil)
	w.Flush()
	if len(w.pending) != 0 {
		t.Error("pending not cleared after remove flush")
	}
}

func TestWorkerRejectsForeignDocument(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	w.SetDocument(&dom.Document{ID: 1}, ModeStore)
	l := w.Listener()
	l.StartDocument(&dom.Document{ID: 2})

	defer func() {
		if recover() == nil {
			t.Error("streaming a foreign document should panic")
		}
	}()
	l.StartElement(dom.NewQName("book", ""), mustNodeID(t, "1"), 0x10, nil)
}

func TestTerminatedScanIsPartial(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 2}
	book := dom.NewQName("book", "")
	nodes := make(map[string]uint64)
	for i := 1; i <= 20; i++ {
		nodes[fmt.Sprintf("1.%d", i)] = uint64(i)
	}
	streamDocument(t, w, doc, book, nodes)

	w.Terminate()
	result := w.FindElementsByName(dom.ElementName, dom.NewDocumentSet(doc), book, nil)
	if result.Len() != 0 {
		t.Errorf("terminated worker still produced %d nodes", result.Len())
	}
}

func TestRemoveCollection(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	book := dom.NewQName("book", "")

	set := dom.NewDocumentSet()
	for _, id := range []uint32{20, 21, 22, 30} {
		doc := &dom.Document{ID: id}
		set.Add(doc)
		streamDocument(t, w, doc, book, map[string]uint64{"1": uint64(id)})
	}

	if err := w.RemoveCollection(context.Background(), set); err != nil {
		t.Fatal(err)
	}
	if n := ix.Store().Count(); n != 0 {
		t.Errorf("store still holds %d entries after collection removal", n)
	}
}

func TestContextPropagation(t *testing.T) {
	ix := newTestIndex(t)
	w := ix.NewWorker()
	doc := &dom.Document{ID: 4}
	book := dom.NewQName("book", "")
	section := dom.NewQName("section", "")

	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	l.StartElement(book, mustNodeID(t, "1"), 0x10, nil)
	l.StartElement(section, mustNodeID(t, "1.1"), 0x20, nil)
	l.EndDocument()
	w.Flush()

	ancestor := dom.NewProxy(doc, mustNodeID(t, "1"), dom.KindElement, 0x10)
	ancestors := dom.NewNodeSet(1)
	ancestors.Add(ancestor)
	docs := dom.NewDocumentSet(doc)

	result := w.FindDescendantsByName(dom.ElementName, section, dom.AxisDescendant, docs, ancestors, 7)
	if result.Len() != 1 {
		t.Fatalf("found %d nodes", result.Len())
	}
	ctxNodes := result.At(0).ContextNodes()
	if len(ctxNodes[7]) != 1 || ctxNodes[7][0] != ancestor {
		t.Errorf("context edge missing: %v", ctxNodes)
	}

	// without a context id the edges are shared, not recorded
	plain := w.FindDescendantsByName(dom.ElementName, section, dom.AxisDescendant, docs, ancestors, dom.NoContextID)
	if plain.Len() != 1 {
		t.Fatalf("found %d nodes", plain.Len())
	}
	if got := plain.At(0).ContextNodes(); got != nil {
		t.Errorf("unexpected context edges: %v", got)
	}
}

func BenchmarkProcessPending(b *testing.B) {
	ix := New(btree.OpenEphemeral(), symbols.NewMemory())
	w := ix.NewWorker()
	doc := &dom.Document{ID: 1}
	book := dom.NewQName("book", "")
	ids := make([]*dom.NodeID, 1000)
	for i := range ids {
		id, err := dom.ParseNodeID(fmt.Sprintf("1.%d", i+1))
		if err != nil {
			b.Fatal(err)
		}
		ids[i] = id
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.SetDocument(doc, ModeStore)
		l := w.Listener()
		l.StartDocument(doc)
		for j, id := range ids {
			l.StartElement(book, id, uint64(j), nil)
		}
		w.Flush()
	}
}

func BenchmarkFindElements(b *testing.B) {
	ix := New(btree.OpenEphemeral(), symbols.NewMemory())
	w := ix.NewWorker()
	book := dom.NewQName("book", "")
	docs := dom.NewDocumentSet()
	for d := uint32(1); d <= 10; d++ {
		doc := &dom.Document{ID: d}
		docs.Add(doc)
		w.SetDocument(doc, ModeStore)
		l := w.Listener()
		l.StartDocument(doc)
		for i := 1; i <= 1000; i++ {
			id, err := dom.ParseNodeID(fmt.Sprintf("1.%d", i))
			if err != nil {
				b.Fatal(err)
			}
			l.StartElement(book, id, uint64(i), nil)
		}
		l.EndDocument()
		w.Flush()
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		result := w.FindElementsByName(dom.ElementName, docs, book, nil)
		if result.Len() != 10000 {
			b.Fatalf("found %d nodes", result.Len())
		}
	}
}

func BenchmarkFindAncestors(b *testing.B) {
	ix := New(btree.OpenEphemeral(), symbols.NewMemory())
	w := ix.NewWorker()
	doc := &dom.Document{ID: 1}
	section := dom.NewQName("section", "")
	w.SetDocument(doc, ModeStore)
	l := w.Listener()
	l.StartDocument(doc)
	path := "1"
	for depth := 0; depth < 20; depth++ {
		id, err := dom.ParseNodeID(path)
		if err != nil {
			b.Fatal(err)
		}
		l.StartElement(section, id, uint64(depth), nil)
		path += ".2"
	}
	l.EndDocument()
	w.Flush()

	leaf, err := dom.ParseNodeID(path[:len(path)-2])
	if err != nil {
		b.Fatal(err)
	}
	descendants := dom.NewNodeSet(1)
	descendants.Add(dom.NewProxy(doc, leaf, dom.KindElement, 0))
	docs := dom.NewDocumentSet(doc)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		result := w.FindAncestorsByName(dom.ElementName, section, dom.AxisAncestor, docs, descendants, dom.NoContextID)
		if result.Len() != 19 {
			b.Fatalf("found %d ancestors", result.Len())
		}
	}
}
