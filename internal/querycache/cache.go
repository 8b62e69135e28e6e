// Package querycache is the process-wide cache of backend reads: resolved
// node lists, form definitions, record lists and details. Invalidation after
// a mutation is its only consistency mechanism.
//
// Entries are scoped to the caller they were fetched for (see Scoped), while
// invalidation by type or record reaches every caller's copy.
package querycache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// Key prefixes.
const (
	prefixStartNodes = "nodes:start:"
	prefixNextNodes  = "nodes:next:"
	prefixForm       = "form:"
	prefixList       = "list:"
	prefixDetail     = "detail:"
)

// StartNodesKey is the key of the start node list of a workflow type as
// resolved for a record (0 for a new one).
func StartNodesKey(typeID, recordID int64, single bool) string {
	return prefixStartNodes + id(typeID) + ":" + id(recordID) + ":" + strconv.FormatBool(single)
}

// LastStartNodesKey is the key of the start node list most recently
// resolved for a workflow type, whatever record it was resolved for.
func LastStartNodesKey(typeID int64) string {
	return prefixStartNodes + id(typeID) + ":last"
}

// NextNodesKey is the key of the successors of a node.
func NextNodesKey(nodeID int64) string {
	return prefixNextNodes + id(nodeID)
}

// FormKey is the key of a resolved form for a type and record (0 = draft).
func FormKey(typeID, recordID int64) string {
	return prefixForm + id(typeID) + ":" + id(recordID)
}

// ListKey is the key of one page of the record list of a workflow type;
// variant is the encoded list query.
func ListKey(typeID int64, variant string) string {
	return prefixList + id(typeID) + ":" + variant
}

// DetailKey is the key of a single record.
func DetailKey(recordID int64) string {
	return prefixDetail + id(recordID)
}

// Scoped binds key to the caller it was resolved for. Backend reads are
// authorized per caller, so one caller's entries are never served to another.
func Scoped(key, scope string) string {
	return key + "@" + scope
}

// ScopeOf is the cache scope of a caller.
func ScopeOf(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.Recipient()
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// kind returns the metrics label of a key: its first segment.
func kind(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// Cache wraps a TTL cache with prefix invalidation.
type Cache struct {
	c       *ttlcache.Cache[string, any]
	metrics *observability.Metrics
	logger  *zap.Logger
}

// New creates a Cache from configuration.
func New(cfg config.CacheConfig, metrics *observability.Metrics, logger *zap.Logger) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := ttlcache.New(
		ttlcache.WithCapacity[string, any](uint64(size)),
		ttlcache.WithTTL[string, any](ttl),
		ttlcache.WithDisableTouchOnHit[string, any](),
	)

	c.OnEviction(func(_ context.Context, er ttlcache.EvictionReason, _ *ttlcache.Item[string, any]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		case ttlcache.EvictionReasonDeleted:
			reason = "invalidated"
		}
		metrics.RecordQueryCacheEviction(reason)
	})

	return &Cache{c: c, metrics: metrics, logger: logger}
}

// Start runs expiry cleanup until ctx is done.
func (qc *Cache) Start(ctx context.Context) {
	go qc.c.Start()
	<-ctx.Done()
	qc.c.Stop()
}

// Get returns the cached value for key.
func (qc *Cache) Get(key string) (any, bool) {
	item := qc.c.Get(key)
	if item == nil {
		qc.metrics.RecordQueryCacheMiss(kind(key))
		return nil, false
	}
	qc.metrics.RecordQueryCacheHit(kind(key))
	return item.Value(), true
}

// Set stores value under key with the default TTL.
func (qc *Cache) Set(key string, value any) {
	qc.c.Set(key, value, ttlcache.DefaultTTL)
}

// Invalidate removes the given keys.
func (qc *Cache) Invalidate(keys ...string) {
	for _, k := range keys {
		qc.c.Delete(k)
	}
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (qc *Cache) InvalidatePrefix(prefix string) int {
	n := 0
	for _, k := range qc.c.Keys() {
		if strings.HasPrefix(k, prefix) {
			qc.c.Delete(k)
			n++
		}
	}
	if n > 0 {
		qc.logger.Debug("query cache invalidated",
			zap.String("prefix", prefix),
			zap.Int("keys", n),
		)
	}
	return n
}

// InvalidateType drops every cached query keyed by a workflow type: record
// lists, forms and start node lists.
func (qc *Cache) InvalidateType(typeID int64) {
	qc.InvalidatePrefix(ListKey(typeID, ""))
	qc.InvalidatePrefix(prefixForm + id(typeID) + ":")
	qc.InvalidatePrefix(prefixStartNodes + id(typeID) + ":")
}

// InvalidateRecord drops every cached detail of a record.
func (qc *Cache) InvalidateRecord(recordID int64) {
	qc.Invalidate(DetailKey(recordID))
	qc.InvalidatePrefix(DetailKey(recordID) + "@")
}

// Len returns the number of cached entries.
func (qc *Cache) Len() int {
	return qc.c.Len()
}

// Typed helpers.

// GetAs returns the cached value for key when it holds a T.
func GetAs[T any](qc *Cache, key string) (T, bool) {
	var zero T
	v, ok := qc.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
