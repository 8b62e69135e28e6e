package transport

import (
	"net/http"

	"github.com/pitabwire/officeflow/model"
)

func (h *Handlers) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	mem, err := h.Memory.For(rctx.MemoryKey()).Get(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, mem)
}

func (h *Handlers) handleSetAssignee(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		Assignees []model.Assignee `json:"assignees"`
		Name      *string          `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	for _, a := range body.Assignees {
		if (a.Type == model.AssigneeOrg && a.Org == nil) || (a.Type == model.AssigneeUser && a.User == nil) {
			h.fail(w, r, model.NewBadRequestError("assignee is missing its org or user"))
			return
		}
	}
	mem, err := h.Memory.For(rctx.MemoryKey()).SetLastAssignee(r.Context(), body.Assignees, body.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, mem)
}

func (h *Handlers) handleSetAssignmentNode(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	var body struct {
		NodeID int64 `json:"node_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.NodeID < 0 {
		h.fail(w, r, model.NewBadRequestError("node_id must not be negative"))
		return
	}
	mem, err := h.Memory.For(rctx.MemoryKey()).SetLastSelectedNodeID(r.Context(), body.NodeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, mem)
}

func (h *Handlers) handleClearAssignment(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	if err := h.Memory.For(rctx.MemoryKey()).ClearLastAssignee(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
