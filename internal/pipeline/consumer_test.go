package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/internal/structural"
	"github.com/nativexml/nxdb/internal/symbols"
)

func send(t *testing.T, handler func(context.Context, []byte, []byte) error, event NodeEvent) {
	t.Helper()
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	if err := handler(context.Background(), []byte(event.URI), raw); err != nil {
		t.Fatalf("handler rejected %s event: %v", event.Type, err)
	}
}

func TestHandlerIndexesDocument(t *testing.T) {
	ix := structural.New(btree.OpenEphemeral(), symbols.NewMemory())
	worker := ix.NewWorker()
	handler := Handler{Worker: worker}.HandleMessage()

	send(t, handler, NodeEvent{Type: EventDocumentStart, DocID: 11, URI: "/db/a.xml", Mode: "store"})
	send(t, handler, NodeEvent{Type: EventElement, Local: "book", NodeID: "1", Address: 0x100})
	send(t, handler, NodeEvent{Type: EventAttribute, Local: "id", NodeID: "1.1", Address: 0x200})
	send(t, handler, NodeEvent{Type: EventElement, Local: "title", NodeID: "1.2", Address: 0x300, Path: []string{"book"}})
	send(t, handler, NodeEvent{Type: EventElementEnd})
	send(t, handler, NodeEvent{Type: EventDocumentEnd})

	doc := &dom.Document{ID: 11, URI: "/db/a.xml"}
	docs := dom.NewDocumentSet(doc)
	if got := worker.FindElementsByName(dom.ElementName, docs, dom.NewQName("book", ""), nil); got.Len() != 1 {
		t.Errorf("book elements = %d, want 1", got.Len())
	}
	if got := worker.FindElementsByName(dom.AttributeName, docs, dom.NewAttrQName("id", ""), nil); got.Len() != 1 {
		t.Errorf("id attributes = %d, want 1", got.Len())
	}
}

func TestHandlerRemovesDocument(t *testing.T) {
	ix := structural.New(btree.OpenEphemeral(), symbols.NewMemory())
	worker := ix.NewWorker()
	handler := Handler{Worker: worker}.HandleMessage()

	send(t, handler, NodeEvent{Type: EventDocumentStart, DocID: 4, URI: "/db/b.xml", Mode: "store"})
	send(t, handler, NodeEvent{Type: EventElement, Local: "book", NodeID: "1", Address: 0x10})
	send(t, handler, NodeEvent{Type: EventDocumentEnd})

	send(t, handler, NodeEvent{Type: EventDocumentStart, DocID: 4, URI: "/db/b.xml", Mode: "remove_all"})
	send(t, handler, NodeEvent{Type: EventDocumentEnd})

	if n := ix.Store().Count(); n != 0 {
		t.Errorf("store holds %d entries after removal", n)
	}
}

func TestHandlerToleratesGarbage(t *testing.T) {
	ix := structural.New(btree.OpenEphemeral(), symbols.NewMemory())
	worker := ix.NewWorker()
	handler := Handler{Worker: worker}.HandleMessage()

	// undecodable payloads and unknown events are logged and skipped, not
	// returned as errors that would wedge the consumer on a poison message
	if err := handler(context.Background(), nil, []byte("{not json")); err != nil {
		t.Errorf("poison message returned error: %v", err)
	}
	send(t, handler, NodeEvent{Type: "compact"})

	// a bad mode rejects the document without failing the handler
	send(t, handler, NodeEvent{Type: EventDocumentStart, DocID: 1, Mode: "defragment"})
}

func TestParseMode(t *testing.T) {
	cases := map[string]structural.Mode{
		"store":       structural.ModeStore,
		"remove_all":  structural.ModeRemoveAll,
		"remove_some": structural.ModeRemoveSome,
		"":            structural.ModeUnknown,
		"unknown":     structural.ModeUnknown,
	}
	for in, want := range cases {
		got, err := parseMode(in)
		if err != nil || got != want {
			t.Errorf("parseMode(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := parseMode("defragment"); err == nil {
		t.Error("bad mode should error")
	}
}
