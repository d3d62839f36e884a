package structural

import (
	"log/slog"
	"time"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/pkg/metrics"
)

// Index is the top-level structural index. It owns the ordered store and the
// injected symbol table and hands out per-document workers. Its lifecycle is
// bound to the enclosing database instance.
type Index struct {
	store   *btree.Store
	symbols SymbolTable
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithMetrics attaches Prometheus collectors to the index.
func WithMetrics(m *metrics.Metrics) Option {
	return func(ix *Index) {
		ix.metrics = m
	}
}

// New creates a structural index over the given store and symbol table.
func New(store *btree.Store, symbols SymbolTable, opts ...Option) *Index {
	ix := &Index{
		store:   store,
		symbols: symbols,
		logger:  slog.Default().With("component", "structural-index"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// NewWorker returns a fresh per-document worker. Workers are not safe for
// concurrent use; create one per goroutine.
func (ix *Index) NewWorker() *Worker {
	w := &Worker{
		index:   ix,
		codec:   keyCodec{symbols: ix.symbols},
		pending: make(map[qnameKey]*pendingEntry),
		logger:  ix.logger,
	}
	w.listener = &streamListener{worker: w}
	return w
}

// Store exposes the underlying ordered store for tools and health checks.
func (ix *Index) Store() *btree.Store {
	return ix.store
}

// acquire takes the store lock in the given mode, recording the wait time
// when metrics are attached.
func (ix *Index) acquire(kind btree.LockKind) error {
	if ix.metrics == nil {
		return ix.store.Lock().Acquire(kind)
	}
	start := time.Now()
	err := ix.store.Lock().Acquire(kind)
	ix.metrics.LockWaitSeconds.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	return err
}

func (ix *Index) release(kind btree.LockKind) {
	ix.store.Lock().Release(kind)
}

func (ix *Index) countScan(kind string, start time.Time) {
	if ix.metrics == nil {
		return
	}
	ix.metrics.ScansTotal.WithLabelValues(kind).Inc()
	ix.metrics.ScanDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	ix.metrics.StoreEntries.Set(float64(ix.store.Count()))
}
