package structural

import (
	"github.com/nativexml/nxdb/internal/dom"
)

// Listener is the document-pipeline callback surface the worker implements.
// The pipeline streams one document at a time: StartDocument, then element
// and attribute events in document order, then EndDocument. Only element and
// attribute starts matter to the structural index; node paths belong to the
// path-based indexes and are ignored here.
type Listener interface {
	StartDocument(doc *dom.Document)
	StartElement(q dom.QName, id *dom.NodeID, address uint64, path dom.NodePath)
	Attribute(q dom.QName, id *dom.NodeID, address uint64, path dom.NodePath)
	EndElement()
	EndDocument()
}

type streamListener struct {
	worker *Worker
	doc    *dom.Document
}

func (l *streamListener) StartDocument(doc *dom.Document) {
	l.doc = doc
}

func (l *streamListener) StartElement(q dom.QName, id *dom.NodeID, address uint64, path dom.NodePath) {
	if l.worker.mode == ModeStore || l.worker.mode == ModeRemoveSome {
		q.Type = dom.ElementName
		l.worker.addNode(l.doc, q, id, address)
	}
}

func (l *streamListener) Attribute(q dom.QName, id *dom.NodeID, address uint64, path dom.NodePath) {
	if l.worker.mode == ModeStore || l.worker.mode == ModeRemoveSome {
		q.Type = dom.AttributeName
		l.worker.addNode(l.doc, q, id, address)
	}
}

func (l *streamListener) EndElement() {}

func (l *streamListener) EndDocument() {
	l.doc = nil
}
