// Package cache provides a Redis-backed result cache for element lookups.
// Entries are keyed by a hash of (type, qname, document ids) and invalidated
// wholesale whenever the index mutates; structural queries are cheap enough
// that coarse invalidation beats tracking per-document dependencies.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/pkg/metrics"
	"github.com/nativexml/nxdb/pkg/redis"
)

const keyPrefix = "nxq:structural:"

// QueryCache caches materialized node sets in Redis.
type QueryCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a QueryCache with the given TTL. metrics may be nil.
func New(client *redis.Client, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// cachedNode is the wire form of one proxy.
type cachedNode struct {
	DocID   uint32 `json:"d"`
	NodeID  string `json:"n"`
	Kind    byte   `json:"k"`
	Address uint64 `json:"a"`
}

// Key derives the cache key for an element lookup.
func Key(t dom.NameType, q dom.QName, docs *dom.DocumentSet) string {
	h := xxhash.New()
	h.Write([]byte{byte(t)})
	h.WriteString(q.LocalName)
	h.Write([]byte{0})
	h.WriteString(q.Namespace)
	h.Write([]byte{0})
	for _, doc := range docs.Documents() {
		fmt.Fprintf(h, "%d,", doc.ID)
	}
	return fmt.Sprintf("%s%x", keyPrefix, h.Sum64())
}

// Get returns the cached node set for key, rebuilding proxies against the
// given document set. The second return is false on miss or decode failure.
func (c *QueryCache) Get(ctx context.Context, key string, docs *dom.DocumentSet) (*dom.NodeSet, bool) {
	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if !redis.IsNilError(err) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.Inc()
		}
		return nil, false
	}
	var nodes []cachedNode
	if err := json.Unmarshal([]byte(raw), &nodes); err != nil {
		c.logger.Warn("cache entry is malformed, dropping", "key", key, "error", err)
		c.client.Del(ctx, key)
		if c.metrics != nil {
			c.metrics.CacheMissesTotal.Inc()
		}
		return nil, false
	}
	result := dom.NewNodeSet(len(nodes))
	for _, n := range nodes {
		doc := docs.Get(n.DocID)
		if doc == nil {
			continue
		}
		id, err := dom.ParseNodeID(n.NodeID)
		if err != nil {
			c.logger.Warn("cache entry holds a bad node id, dropping", "key", key, "error", err)
			c.client.Del(ctx, key)
			if c.metrics != nil {
				c.metrics.CacheMissesTotal.Inc()
			}
			return nil, false
		}
		result.Add(dom.NewProxy(doc, id, dom.NodeKind(n.Kind), n.Address))
	}
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	return result, true
}

// Put stores a node set under key. Context edges and match annotations are
// not cached; cached results are only valid for selector-free lookups.
func (c *QueryCache) Put(ctx context.Context, key string, set *dom.NodeSet) {
	nodes := make([]cachedNode, 0, set.Len())
	for _, p := range set.Nodes() {
		nodes = append(nodes, cachedNode{
			DocID:   p.Doc.ID,
			NodeID:  p.ID.String(),
			Kind:    byte(p.Kind),
			Address: p.Address,
		})
	}
	raw, err := json.Marshal(nodes)
	if err != nil {
		c.logger.Warn("cannot encode cache entry", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops every cached structural query result.
func (c *QueryCache) Invalidate(ctx context.Context) {
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		c.logger.Warn("cache invalidation failed", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Debug("cache invalidated", "keys", deleted)
	}
}

// ElementFinder is the lookup the cache can wrap.
type ElementFinder interface {
	FindElementsByName(t dom.NameType, docs *dom.DocumentSet, q dom.QName, selector dom.NodeSelector) *dom.NodeSet
}

// FindElements answers an element lookup through the cache, falling back to
// the worker on miss. Selector-driven lookups bypass the cache entirely.
func (c *QueryCache) FindElements(ctx context.Context, finder ElementFinder, t dom.NameType, docs *dom.DocumentSet, q dom.QName) *dom.NodeSet {
	key := Key(t, q, docs)
	if set, ok := c.Get(ctx, key, docs); ok {
		return set
	}
	set := finder.FindElementsByName(t, docs, q, nil)
	c.Put(ctx, key, set)
	return set
}
