package structural

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/internal/dom"
)

// Mode selects what Flush does with the worker's buffered nodes.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeStore
	ModeRemoveAll
	ModeRemoveSome
)

func (m Mode) String() string {
	switch m {
	case ModeStore:
		return "store"
	case ModeRemoveAll:
		return "remove_all"
	case ModeRemoveSome:
		return "remove_some"
	default:
		return "unknown"
	}
}

type pendingNode struct {
	id      *dom.NodeID
	address uint64
}

type qnameKey = dom.QName

type pendingEntry struct {
	qname dom.QName
	nodes []pendingNode
}

// Worker is the per-document mutator and query engine of the structural
// index. A worker buffers the nodes of the document currently streaming
// through it and drains the buffer to the ordered store on Flush; the three
// query methods are independent of the buffered state. Workers are not safe
// for concurrent use, but any number of workers may operate on the shared
// store concurrently.
type Worker struct {
	index    *Index
	codec    keyCodec
	logger   *slog.Logger
	listener *streamListener

	document *dom.Document
	mode     Mode
	pending  map[qnameKey]*pendingEntry

	terminated atomic.Bool
}

// SetDocument binds the worker to a document and a flush mode.
func (w *Worker) SetDocument(doc *dom.Document, mode Mode) {
	w.document = doc
	w.mode = mode
}

// SetMode changes the flush mode without rebinding the document.
func (w *Worker) SetMode(mode Mode) {
	w.mode = mode
}

// Document returns the currently bound document.
func (w *Worker) Document() *dom.Document {
	return w.document
}

// Mode returns the current flush mode.
func (w *Worker) Mode() Mode {
	return w.mode
}

// Listener returns the stream listener that feeds this worker.
func (w *Worker) Listener() Listener {
	return w.listener
}

// Terminate signals running scans to stop. Terminated scans exit cleanly
// and their results are partial. Writes are unaffected.
func (w *Worker) Terminate() {
	w.terminated.Store(true)
}

// addNode buffers one node under its qualified name. The document the node
// belongs to must be the worker's current document; anything else is a
// programming error in the pipeline.
func (w *Worker) addNode(doc *dom.Document, q dom.QName, id *dom.NodeID, address uint64) {
	if w.document == nil || doc == nil || w.document.ID != doc.ID {
		panic(fmt.Sprintf("structural: node of document %v streamed into worker bound to %v", doc, w.document))
	}
	entry := w.pending[q]
	if entry == nil {
		entry = &pendingEntry{qname: q, nodes: make([]pendingNode, 0, 50)}
		w.pending[q] = entry
	}
	entry.nodes = append(entry.nodes, pendingNode{id: id, address: address})
}

// Flush drains the pending buffer according to the current mode. The buffer
// is cleared regardless of outcome, so a worker is always safe to reuse for
// the next document.
func (w *Worker) Flush() {
	switch w.mode {
	case ModeStore:
		w.processPending()
	case ModeRemoveAll:
		w.RemoveDocument(w.document)
		w.clearPending()
	case ModeRemoveSome:
		w.removeSome()
	default:
		w.clearPending()
	}
}

func (w *Worker) clearPending() {
	clear(w.pending)
}

// sortedPending interns every buffered qname and returns the entries in
// (type, symbol, nsSymbol) order for deterministic replay. Entries whose
// names cannot be interned are dropped with a log line.
func (w *Worker) sortedPending() []*pendingEntry {
	type keyed struct {
		entry *pendingEntry
		sym   uint16
		nsSym uint16
	}
	entries := make([]keyed, 0, len(w.pending))
	for _, entry := range w.pending {
		sym, err := w.codec.symbols.GetSymbol(entry.qname.LocalName)
		if err != nil {
			w.logger.Warn("dropping batch, cannot intern name", "qname", entry.qname.String(), "error", err)
			continue
		}
		nsSym, err := w.codec.symbols.GetNSSymbol(entry.qname.Namespace)
		if err != nil {
			w.logger.Warn("dropping batch, cannot intern namespace", "qname", entry.qname.String(), "error", err)
			continue
		}
		entries = append(entries, keyed{entry: entry, sym: sym, nsSym: nsSym})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.entry.qname.Type != b.entry.qname.Type {
			return a.entry.qname.Type < b.entry.qname.Type
		}
		if a.sym != b.sym {
			return a.sym < b.sym
		}
		return a.nsSym < b.nsSym
	})
	out := make([]*pendingEntry, len(entries))
	for i, k := range entries {
		out[i] = k.entry
	}
	return out
}

// processPending stores every buffered node and maintains the per-document
// inventory. Each qname batch is an independent best-effort unit under one
// write-lock acquisition; a failing batch is logged and the remaining
// batches still proceed. End-to-end atomicity belongs to the transaction
// layer above.
func (w *Worker) processPending() {
	if len(w.pending) == 0 {
		return
	}
	defer w.clearPending()

	docID := w.document.ID
	for _, entry := range w.sortedPending() {
		if err := w.index.acquire(btree.LockWrite); err != nil {
			w.logger.Warn("failed to lock structural index", "error", err)
			continue
		}
		stored := 0
		for _, node := range entry.nodes {
			key, err := w.codec.nameKey(entry.qname.Type, entry.qname, docID, node.id)
			if err != nil {
				w.logger.Warn("cannot encode name key", "qname", entry.qname.String(), "error", err)
				continue
			}
			if err := w.index.store.Put(key, encodeValue(node.address, node.id)); err != nil {
				w.logger.Warn("error while writing to structural index", "qname", entry.qname.String(), "error", err)
				continue
			}
			stored++
		}
		if docKey, err := w.codec.docKey(entry.qname.Type, docID, entry.qname); err != nil {
			w.logger.Warn("cannot encode doc key", "qname", entry.qname.String(), "error", err)
		} else if _, found := w.index.store.Get(docKey); !found {
			if err := w.index.store.Put(docKey, 0); err != nil {
				w.logger.Warn("error while writing doc key", "qname", entry.qname.String(), "error", err)
			}
		}
		w.index.release(btree.LockWrite)
		if w.index.metrics != nil {
			w.index.metrics.NodesIndexedTotal.Add(float64(stored))
			w.index.metrics.BatchesFlushedTotal.WithLabelValues(ModeStore.String()).Inc()
		}
	}
	if err := w.index.store.Sync(); err != nil {
		w.logger.Warn("error syncing structural index", "error", err)
	}
}

// removeSome deletes exactly the buffered nodes. The per-document inventory
// is left alone: a partial removal cannot prove that no node of a qname
// survives.
func (w *Worker) removeSome() {
	if len(w.pending) == 0 {
		return
	}
	defer w.clearPending()

	docID := w.document.ID
	for _, entry := range w.sortedPending() {
		if err := w.index.acquire(btree.LockWrite); err != nil {
			w.logger.Warn("failed to lock structural index", "error", err)
			continue
		}
		removed := 0
		for _, node := range entry.nodes {
			key, err := w.codec.nameKey(entry.qname.Type, entry.qname, docID, node.id)
			if err != nil {
				w.logger.Warn("cannot encode name key", "qname", entry.qname.String(), "error", err)
				continue
			}
			if err := w.index.store.Delete(key); err != nil {
				w.logger.Warn("error while removing from structural index", "qname", entry.qname.String(), "error", err)
				continue
			}
			removed++
		}
		w.index.release(btree.LockWrite)
		if w.index.metrics != nil {
			w.index.metrics.NodesRemovedTotal.Add(float64(removed))
			w.index.metrics.BatchesFlushedTotal.WithLabelValues(ModeRemoveSome.String()).Inc()
		}
	}
}

// RemoveDocument drops every name-key and inventory entry of the document.
func (w *Worker) RemoveDocument(doc *dom.Document) {
	if doc == nil {
		return
	}
	for _, q := range w.docQNames(doc) {
		fromKey, err := w.codec.nameKeyPrefix(q.Type, q, doc.ID)
		if err != nil {
			w.logger.Warn("cannot encode removal range", "qname", q.String(), "error", err)
			continue
		}
		toKey, err := w.codec.nameKeyPrefix(q.Type, q, doc.ID+1)
		if err != nil {
			w.logger.Warn("cannot encode removal range", "qname", q.String(), "error", err)
			continue
		}
		if err := w.index.acquire(btree.LockWrite); err != nil {
			w.logger.Warn("failed to lock structural index", "error", err)
			continue
		}
		n, err := w.index.store.DeleteRange(fromKey, toKey)
		w.index.release(btree.LockWrite)
		if err != nil {
			w.logger.Warn("error while removing document nodes", "doc", doc.URI, "qname", q.String(), "error", err)
			continue
		}
		if w.index.metrics != nil {
			w.index.metrics.NodesRemovedTotal.Add(float64(n))
		}
	}
	w.removeQNamesForDoc(doc)
	if w.index.metrics != nil {
		w.index.metrics.DocumentsRemoved.Inc()
	}
}

// docQNames reads the inventory region of doc back into a qname list.
func (w *Worker) docQNames(doc *dom.Document) []dom.QName {
	var qnames []dom.QName
	if err := w.index.acquire(btree.LockWrite); err != nil {
		w.logger.Warn("failed to lock structural index", "error", err)
		return qnames
	}
	defer w.index.release(btree.LockWrite)
	start := time.Now()
	err := w.index.store.RangeScan(docKeyPrefix(doc.ID), docKeyPrefix(doc.ID+1), func(key []byte, value int64) bool {
		qnames = append(qnames, w.codec.readQName(key))
		return true
	})
	w.index.countScan("inventory", start)
	if err != nil {
		w.logger.Warn("error while reading structural index inventory", "doc", doc.URI, "error", err)
	}
	return qnames
}

// removeQNamesForDoc drops the inventory region of doc.
func (w *Worker) removeQNamesForDoc(doc *dom.Document) {
	if err := w.index.acquire(btree.LockWrite); err != nil {
		w.logger.Warn("failed to lock structural index", "error", err)
		return
	}
	defer w.index.release(btree.LockWrite)
	if _, err := w.index.store.DeleteRange(docKeyPrefix(doc.ID), docKeyPrefix(doc.ID+1)); err != nil {
		w.logger.Warn("error while removing structural index inventory", "doc", doc.URI, "error", err)
	}
}

// RemoveCollection removes every document of a collection. Documents own
// disjoint key regions, so the removals run concurrently.
func (w *Worker) RemoveCollection(ctx context.Context, docs *dom.DocumentSet) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, doc := range docs.Documents() {
		doc := doc
		g.Go(func() error {
			w.RemoveDocument(doc)
			return nil
		})
	}
	return g.Wait()
}
