package transport

import (
	"net/http"

	"github.com/pitabwire/officeflow/model"
)

// nodesResponse wraps a candidate node list.
type nodesResponse struct {
	Nodes []model.WorkflowNode `json:"nodes"`
}

func (h *Handlers) handleStartNodes(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	typeID, err := pathID(r, "typeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recordID, err := queryID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	single := queryBool(r, "single")

	var nodes []model.WorkflowNode
	if queryBool(r, "refresh") {
		nodes, err = h.Resolver.RefreshStart(r.Context(), rctx, typeID, recordID, single)
	} else {
		nodes, err = h.Resolver.StartNodes(r.Context(), rctx, typeID, recordID, single)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, nodesResponse{Nodes: nodes})
}

func (h *Handlers) handleNextNodes(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	nodeID, err := pathID(r, "nodeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var nodes []model.WorkflowNode
	if queryBool(r, "refresh") {
		nodes, err = h.Resolver.RefreshNext(r.Context(), rctx, nodeID)
	} else {
		nodes, err = h.Resolver.NextNodes(r.Context(), rctx, nodeID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, nodesResponse{Nodes: nodes})
}
