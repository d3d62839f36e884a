// Package pipeline consumes document-store events from Kafka and drives the
// structural index's stream listener with them.
package pipeline

import (
	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/internal/structural"
	"github.com/nativexml/nxdb/pkg/errors"
)

// Event types emitted by the document store.
const (
	EventDocumentStart = "document_start"
	EventElement       = "element"
	EventAttribute     = "attribute"
	EventElementEnd    = "element_end"
	EventDocumentEnd   = "document_end"
)

// NodeEvent is the wire form of one pipeline callback. DocID, URI and Mode
// are set on document_start; Local, Namespace, NodeID and Address on element
// and attribute events.
type NodeEvent struct {
	Type      string   `json:"type"`
	DocID     uint32   `json:"doc_id,omitempty"`
	URI       string   `json:"uri,omitempty"`
	Mode      string   `json:"mode,omitempty"`
	Local     string   `json:"local,omitempty"`
	Namespace string   `json:"ns,omitempty"`
	NodeID    string   `json:"node_id,omitempty"`
	Address   uint64   `json:"address,omitempty"`
	Path      []string `json:"path,omitempty"`
}

// parseMode maps the wire mode to the worker mode.
func parseMode(s string) (structural.Mode, error) {
	switch s {
	case "store":
		return structural.ModeStore, nil
	case "remove_all":
		return structural.ModeRemoveAll, nil
	case "remove_some":
		return structural.ModeRemoveSome, nil
	case "", "unknown":
		return structural.ModeUnknown, nil
	default:
		return structural.ModeUnknown, errors.Newf(errors.ErrInvalidInput, "unknown pipeline mode %q", s)
	}
}

// nodePath converts the wire path to the listener's path form.
func nodePath(parts []string) dom.NodePath {
	if len(parts) == 0 {
		return nil
	}
	path := make(dom.NodePath, len(parts))
	for i, p := range parts {
		path[i] = dom.NewQName(p, "")
	}
	return path
}
