package model

import (
	"encoding/json"
	"strings"
)

// FieldKind is the tagged variant over dynamic form field types. The set is
// open: kinds unknown to this build are kept verbatim and rendered as text.
type FieldKind string

const (
	FieldText        FieldKind = "text"
	FieldTextarea    FieldKind = "textarea"
	FieldNumber      FieldKind = "number"
	FieldDate        FieldKind = "date"
	FieldDateTime    FieldKind = "datetime"
	FieldSelect      FieldKind = "select"
	FieldMultiSelect FieldKind = "multiselect"
	FieldCheckbox    FieldKind = "checkbox"
	FieldAttachment  FieldKind = "attachment"
	FieldUser        FieldKind = "user"
	FieldOrg         FieldKind = "org"
)

var knownKinds = map[FieldKind]bool{
	FieldText: true, FieldTextarea: true, FieldNumber: true, FieldDate: true,
	FieldDateTime: true, FieldSelect: true, FieldMultiSelect: true,
	FieldCheckbox: true, FieldAttachment: true, FieldUser: true, FieldOrg: true,
}

// Known reports whether the kind is one this build renders natively.
func (k FieldKind) Known() bool {
	return knownKinds[k]
}

// Normalize lower-cases the kind and maps a few aliases the backend emits.
func (k FieldKind) Normalize() FieldKind {
	s := FieldKind(strings.ToLower(strings.TrimSpace(string(k))))
	switch s {
	case "string", "input":
		return FieldText
	case "int", "integer", "decimal", "float":
		return FieldNumber
	case "file", "files":
		return FieldAttachment
	case "boolean", "bool":
		return FieldCheckbox
	case "":
		return FieldText
	}
	return s
}

// Option is a choice for select-like fields.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// FieldDefinition describes a single server-defined form field.
type FieldDefinition struct {
	Name      string    `json:"name"`
	Label     string    `json:"label"`
	Kind      FieldKind `json:"type"`
	Required  bool      `json:"required,omitempty"`
	ReadOnly  bool      `json:"readOnly,omitempty"`
	Options   []Option  `json:"options,omitempty"`
	Min       *float64  `json:"min,omitempty"`
	Max       *float64  `json:"max,omitempty"`
	MinLength *uint64   `json:"minLength,omitempty"`
	MaxLength *uint64   `json:"maxLength,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Multiple  bool      `json:"multiple,omitempty"`
	Order     int       `json:"order,omitempty"`

	// Extra keeps backend properties this build does not interpret.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// AttachmentSlot describes a named upload slot of a form.
type AttachmentSlot struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Required bool     `json:"required,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
	Accept   []string `json:"accept,omitempty"`
	MaxSize  int64    `json:"maxSize,omitempty"`
}

// FormDefinition is the server-driven schema of a dynamic form, keyed by
// workflow type and node. Immutable on the client.
type FormDefinition struct {
	ID              int64             `json:"id"`
	TypeID          int64             `json:"typeId"`
	NodeID          int64             `json:"nodeId,omitempty"`
	Title           string            `json:"title"`
	Fields          []FieldDefinition `json:"fields"`
	AttachmentSlots []AttachmentSlot  `json:"attachmentSlots,omitempty"`
}

// Field returns the definition of the named field.
func (d FormDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Slot returns the named attachment slot.
func (d FormDefinition) Slot(name string) (AttachmentSlot, bool) {
	for _, s := range d.AttachmentSlots {
		if s.Name == name {
			return s, true
		}
	}
	return AttachmentSlot{}, false
}

// Attachment is a file staged for upload with a submission.
type Attachment struct {
	Slot        string `json:"slot"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// Size returns the attachment size in bytes.
func (a Attachment) Size() int64 {
	return int64(len(a.Data))
}

// SubmissionPayload is assembled at submit time and discarded after the
// request resolves.
type SubmissionPayload struct {
	TypeID      int64          `json:"typeId"`
	FormID      int64          `json:"formId"`
	NodeID      int64          `json:"nodeId,omitempty"`
	ID          int64          `json:"id,omitempty"`
	FieldValues map[string]any `json:"values"`
	Files       []Attachment   `json:"-"`
	Assignees   []Assignee     `json:"assignees,omitempty"`
	Comment     string         `json:"comment,omitempty"`
}

// IsNew reports whether the payload creates a record rather than updating one.
func (p SubmissionPayload) IsNew() bool {
	return p.ID == 0
}

// StoredAttachment is an attachment as listed by the backend.
type StoredAttachment struct {
	ID          int64  `json:"id"`
	RecordID    int64  `json:"valueId"`
	Slot        string `json:"slot,omitempty"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}
