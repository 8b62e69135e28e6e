package model

import (
	"strings"
)

// AssigneeType distinguishes who a workflow step is handed to.
type AssigneeType int

const (
	AssigneeUser  AssigneeType = 0
	AssigneeGroup AssigneeType = 1
	AssigneeOrg   AssigneeType = 2
)

// Org is an organization unit reference.
type Org struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is a user reference.
type User struct {
	ID       int64  `json:"id"`
	FullName string `json:"fullName"`
	OrgID    int64  `json:"orgId,omitempty"`
}

// Assignee is one recipient chosen when transferring to the next node.
type Assignee struct {
	Type AssigneeType `json:"type"`
	Org  *Org         `json:"org,omitempty"`
	User *User        `json:"user,omitempty"`
}

// DisplayName returns the human-readable label contributed by the
// assignee: the org name for organizations, the full name for users, and
// nothing for other types.
func (a Assignee) DisplayName() string {
	switch a.Type {
	case AssigneeOrg:
		if a.Org != nil {
			return strings.TrimSpace(a.Org.Name)
		}
	case AssigneeUser:
		if a.User != nil {
			return strings.TrimSpace(a.User.FullName)
		}
	}
	return ""
}

// DeriveAssigneeName concatenates org and user names in list order,
// skipping blanks, separated by ", ".
func DeriveAssigneeName(list []Assignee) string {
	names := make([]string, 0, len(list))
	for _, a := range list {
		if n := a.DisplayName(); n != "" {
			names = append(names, n)
		}
	}
	return strings.Join(names, ", ")
}

// AssignmentMemory remembers the last node and assignees a user picked so
// the next submission can be prefilled.
type AssignmentMemory struct {
	LastSelectedNodeID int64      `json:"lastSelectedNodeId"`
	LastAssignee       []Assignee `json:"lastAssignee"`
	LastAssigneeName   string     `json:"lastAssigneeName"`
}

// EmptyAssignmentMemory returns the initial memory state.
func EmptyAssignmentMemory() AssignmentMemory {
	return AssignmentMemory{LastAssignee: []Assignee{}}
}

// Clone returns a deep copy.
func (m AssignmentMemory) Clone() AssignmentMemory {
	return AssignmentMemory{
		LastSelectedNodeID: m.LastSelectedNodeID,
		LastAssignee:       CloneAssignees(m.LastAssignee),
		LastAssigneeName:   m.LastAssigneeName,
	}
}

// CloneAssignees deep-copies an assignee list. The result is never nil.
func CloneAssignees(list []Assignee) []Assignee {
	out := make([]Assignee, len(list))
	for i, a := range list {
		c := Assignee{Type: a.Type}
		if a.Org != nil {
			org := *a.Org
			c.Org = &org
		}
		if a.User != nil {
			u := *a.User
			c.User = &u
		}
		out[i] = c
	}
	return out
}
