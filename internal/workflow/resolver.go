// Package workflow resolves candidate nodes of server-defined workflows. It
// never advances a workflow itself: transfers are posted by the submission
// coordinator and the process graph lives entirely on the backend.
package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/invoker"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/querycache"
	"github.com/pitabwire/officeflow/model"
)

// Resolver asks the backend for start nodes and next nodes.
type Resolver struct {
	backend   invoker.Doer
	endpoints config.EndpointsConfig
	cache     *querycache.Cache
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(
	backend invoker.Doer,
	endpoints config.EndpointsConfig,
	cache *querycache.Cache,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		backend:   backend,
		endpoints: endpoints,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// StartNodes returns the entry nodes of workflow type typeID for record
// recordID (0 for a new record). With single set the result holds at most
// one node. On failure the result is an empty, non-nil slice and the error;
// nothing is cached and nothing is retried.
func (r *Resolver) StartNodes(
	ctx context.Context,
	rctx *model.RequestContext,
	typeID, recordID int64,
	single bool,
) ([]model.WorkflowNode, error) {
	if typeID <= 0 {
		return []model.WorkflowNode{}, model.NewBadRequestError("typeId is required")
	}

	scope := querycache.ScopeOf(rctx)
	key := querycache.Scoped(querycache.StartNodesKey(typeID, recordID, single), scope)
	lastKey := querycache.Scoped(querycache.LastStartNodesKey(typeID), scope)
	if list, ok := querycache.GetAs[model.NodeList](r.cache, key); ok {
		r.metrics.RecordNodeResolution("start", "cached", len(list.Nodes))
		r.cache.Set(lastKey, list)
		return cloneNodes(list.Nodes), nil
	}

	ctx, span := observability.StartSpan(ctx, "workflow.start_nodes",
		observability.AttrTypeID.Int64(typeID),
		observability.AttrRecordID.Int64(recordID),
	)

	query := url.Values{}
	query.Set("single", strconv.FormatBool(single))
	nodes, err := r.fetch(ctx, rctx, invoker.Request{
		Endpoint: "start_node",
		Method:   http.MethodGet,
		Path:     r.endpoints.StartNode,
		PathParams: map[string]string{
			"type": strconv.FormatInt(typeID, 10),
			"id":   strconv.FormatInt(recordID, 10),
		},
		Query: query,
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		r.metrics.RecordNodeResolution("start", "error", 0)
		observability.RequestLogger(ctx, r.logger).Warn("start node resolution failed",
			zap.Int64("type_id", typeID),
			zap.Error(err),
		)
		return []model.WorkflowNode{}, err
	}

	if single && len(nodes) > 1 {
		observability.RequestLogger(ctx, r.logger).Debug("backend returned several start nodes for a single entry point",
			zap.Int64("type_id", typeID),
			zap.Int("nodes", len(nodes)),
		)
		nodes = nodes[:1]
	}

	list := model.NodeList{TypeID: typeID, Nodes: nodes, FetchedAt: r.now()}
	r.cache.Set(key, list)
	r.cache.Set(lastKey, list)
	r.metrics.RecordNodeResolution("start", "ok", len(nodes))
	return cloneNodes(nodes), nil
}

// NextNodes returns the successors of nodeID. Failure semantics match
// StartNodes.
func (r *Resolver) NextNodes(ctx context.Context, rctx *model.RequestContext, nodeID int64) ([]model.WorkflowNode, error) {
	if nodeID <= 0 {
		return []model.WorkflowNode{}, model.NewBadRequestError("nodeId is required")
	}

	key := querycache.Scoped(querycache.NextNodesKey(nodeID), querycache.ScopeOf(rctx))
	if list, ok := querycache.GetAs[model.NodeList](r.cache, key); ok {
		r.metrics.RecordNodeResolution("next", "cached", len(list.Nodes))
		return cloneNodes(list.Nodes), nil
	}

	ctx, span := observability.StartSpan(ctx, "workflow.next_nodes",
		observability.AttrNodeID.Int64(nodeID),
	)
	nodes, err := r.fetch(ctx, rctx, invoker.Request{
		Endpoint:   "next_node",
		Method:     http.MethodGet,
		Path:       r.endpoints.NextNode,
		PathParams: map[string]string{"nodeId": strconv.FormatInt(nodeID, 10)},
	})
	observability.EndSpanWithError(span, err)
	if err != nil {
		r.metrics.RecordNodeResolution("next", "error", 0)
		observability.RequestLogger(ctx, r.logger).Warn("next node resolution failed",
			zap.Int64("node_id", nodeID),
			zap.Error(err),
		)
		return []model.WorkflowNode{}, err
	}

	r.cache.Set(key, model.NodeList{CurrentNodeID: nodeID, Nodes: nodes, FetchedAt: r.now()})
	r.metrics.RecordNodeResolution("next", "ok", len(nodes))
	return cloneNodes(nodes), nil
}

// RefreshStart drops the cached start nodes and resolves them again.
func (r *Resolver) RefreshStart(
	ctx context.Context,
	rctx *model.RequestContext,
	typeID, recordID int64,
	single bool,
) ([]model.WorkflowNode, error) {
	r.cache.Invalidate(querycache.Scoped(querycache.StartNodesKey(typeID, recordID, single), querycache.ScopeOf(rctx)))
	return r.StartNodes(ctx, rctx, typeID, recordID, single)
}

// RefreshNext drops the cached successors of nodeID and resolves them again.
func (r *Resolver) RefreshNext(ctx context.Context, rctx *model.RequestContext, nodeID int64) ([]model.WorkflowNode, error) {
	r.cache.Invalidate(querycache.Scoped(querycache.NextNodesKey(nodeID), querycache.ScopeOf(rctx)))
	return r.NextNodes(ctx, rctx, nodeID)
}

// Contains reports whether nodeID was offered to the caller by the most
// recently resolved list: the successors of fromNodeID when it is set,
// otherwise the start nodes of typeID. When no list is remembered the answer
// is true. The check is advisory; the backend owns the contract and a miss is
// only logged.
func (r *Resolver) Contains(ctx context.Context, rctx *model.RequestContext, typeID, fromNodeID, nodeID int64) bool {
	key := querycache.LastStartNodesKey(typeID)
	if fromNodeID > 0 {
		key = querycache.NextNodesKey(fromNodeID)
	}
	list, ok := querycache.GetAs[model.NodeList](r.cache, querycache.Scoped(key, querycache.ScopeOf(rctx)))
	if !ok || list.Contains(nodeID) {
		return true
	}
	observability.RequestLogger(ctx, r.logger).Warn("selected node is not in the last resolved node list",
		zap.Int64("type_id", typeID),
		zap.Int64("from_node_id", fromNodeID),
		zap.Int64("node_id", nodeID),
	)
	return false
}

func (r *Resolver) fetch(ctx context.Context, rctx *model.RequestContext, req invoker.Request) ([]model.WorkflowNode, error) {
	// Reads are re-triggered by the user, never retried here.
	req.NoRetry = true
	res, err := r.backend.Do(ctx, rctx, req)
	if err != nil {
		return nil, err
	}
	var nodes []model.WorkflowNode
	if err := res.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("workflow: decode node list: %w", err)
	}
	if nodes == nil {
		nodes = []model.WorkflowNode{}
	}
	return nodes, nil
}

func cloneNodes(nodes []model.WorkflowNode) []model.WorkflowNode {
	out := make([]model.WorkflowNode, len(nodes))
	copy(out, nodes)
	return out
}
