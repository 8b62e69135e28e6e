package model

import "time"

// WorkflowNode is a step in a server-defined process graph. The client
// never creates or mutates nodes.
type WorkflowNode struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	AllowMultiple bool   `json:"allowMultiple"`
	LastNode      bool   `json:"lastNode"`
}

// NodeList is a resolved set of candidate nodes, either the start nodes of a
// workflow type or the successors of a node.
type NodeList struct {
	TypeID        int64          `json:"type_id,omitempty"`
	CurrentNodeID int64          `json:"current_node_id,omitempty"`
	Nodes         []WorkflowNode `json:"nodes"`
	FetchedAt     time.Time      `json:"fetched_at"`
}

// Contains reports whether nodeID is present in the list.
func (l NodeList) Contains(nodeID int64) bool {
	for _, n := range l.Nodes {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

// Record is a dynamic-form value record as stored by the backend.
type Record struct {
	ID        int64          `json:"id"`
	TypeID    int64          `json:"typeId"`
	FormID    int64          `json:"formId"`
	NodeID    int64          `json:"nodeId,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
	Status    string         `json:"status,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// TransferRequest advances a record to the selected next node.
type TransferRequest struct {
	RecordID  int64      `json:"valueId"`
	TypeID    int64      `json:"typeId"`
	NodeID    int64      `json:"nodeId"`
	Assignees []Assignee `json:"assignees,omitempty"`
	Comment   string     `json:"comment,omitempty"`
}
