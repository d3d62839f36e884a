package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nativexml/nxdb/internal/cache"
	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/internal/registry"
	"github.com/nativexml/nxdb/internal/structural"
	"github.com/nativexml/nxdb/pkg/config"
	"github.com/nativexml/nxdb/pkg/kafka"
	"github.com/nativexml/nxdb/pkg/metrics"
)

// Consumer wraps a Kafka consumer that replays document-store events into a
// structural index worker.
type Consumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a Consumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *Consumer {
	return &Consumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "pipeline-consumer"),
	}
}

// Start begins consuming events. It blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("pipeline consumer starting")
	return c.consumer.Start(ctx)
}

// Close closes the underlying consumer.
func (c *Consumer) Close() error {
	return c.consumer.Close()
}

// Handler holds the collaborators the message handler drives. Registry and
// Cache are optional; when nil, status updates and invalidation are skipped.
type Handler struct {
	Worker   *structural.Worker
	Registry *registry.Registry
	Cache    *cache.QueryCache
	Metrics  *metrics.Metrics
	Pipeline config.PipelineConfig
}

// HandleMessage returns a Kafka MessageHandler that feeds decoded node
// events into the worker's stream listener. Documents arrive as
// document_start / node events / document_end; document_end flushes the
// worker and publishes the side effects (registry status, cache drop).
func (h Handler) HandleMessage() kafka.MessageHandler {
	logger := slog.Default().With("component", "pipeline-consumer")
	listener := h.Worker.Listener()
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[NodeEvent](value)
		if err != nil {
			logger.Error("failed to decode node event",
				"error", err,
				"key", string(key),
			)
			h.count(event.Type, "decode_error")
			return nil
		}
		switch event.Type {
		case EventDocumentStart:
			mode, err := parseMode(event.Mode)
			if err != nil {
				logger.Error("rejecting document with bad mode", "uri", event.URI, "error", err)
				h.count(event.Type, "error")
				return nil
			}
			doc := &dom.Document{ID: event.DocID, URI: event.URI}
			h.Worker.SetDocument(doc, mode)
			listener.StartDocument(doc)
			logger.Debug("document started", "doc_id", event.DocID, "mode", event.Mode)

		case EventElement, EventAttribute:
			id, err := dom.ParseNodeID(event.NodeID)
			if err != nil {
				h.count(event.Type, "error")
				return fmt.Errorf("parsing node id %q: %w", event.NodeID, err)
			}
			if event.Type == EventElement {
				listener.StartElement(dom.NewQName(event.Local, event.Namespace), id, event.Address, nodePath(event.Path))
			} else {
				listener.Attribute(dom.NewAttrQName(event.Local, event.Namespace), id, event.Address, nodePath(event.Path))
			}

		case EventElementEnd:
			listener.EndElement()

		case EventDocumentEnd:
			doc := h.Worker.Document()
			h.Worker.Flush()
			listener.EndDocument()
			if doc != nil {
				h.finishDocument(ctx, doc, logger)
			}

		default:
			logger.Warn("ignoring unknown pipeline event", "type", event.Type)
			h.count(event.Type, "unknown")
			return nil
		}
		h.count(event.Type, "ok")
		return nil
	}
}

// finishDocument records the flush side effects: registry status and cache
// invalidation. Both are best-effort; the index itself is already updated.
func (h Handler) finishDocument(ctx context.Context, doc *dom.Document, logger *slog.Logger) {
	if h.Registry != nil {
		status := registry.StatusIndexed
		if h.Worker.Mode() == structural.ModeRemoveAll {
			status = registry.StatusRemoved
		}
		err := h.Registry.SetStatusRetry(ctx, doc.ID, status, h.Pipeline.RetryMax, h.Pipeline.RetryBackoff)
		if err != nil {
			logger.Error("failed to update document status", "doc_id", doc.ID, "error", err)
		}
	}
	if h.Cache != nil {
		h.Cache.Invalidate(ctx)
	}
	logger.Info("document flushed", "doc_id", doc.ID, "uri", doc.URI, "mode", h.Worker.Mode().String())
}

func (h Handler) count(eventType, outcome string) {
	if h.Metrics == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	h.Metrics.PipelineEventsTotal.WithLabelValues(eventType, outcome).Inc()
}
