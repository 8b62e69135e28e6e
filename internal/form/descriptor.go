// Package form turns server-driven form definitions into render descriptors,
// validates values against them and keeps in-progress form sessions.
package form

import (
	"sort"

	"github.com/pitabwire/officeflow/model"
)

// Mode tells the browser whether a form creates or updates a record.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeUpdate Mode = "update"
)

// ModeFor returns the mode implied by a record id: zero means a new record.
func ModeFor(recordID int64) Mode {
	if recordID <= 0 {
		return ModeCreate
	}
	return ModeUpdate
}

// Descriptor is the render-ready form sent to the browser.
type Descriptor struct {
	Mode            Mode              `json:"mode"`
	TypeID          int64             `json:"type_id"`
	FormID          int64             `json:"form_id"`
	RecordID        int64             `json:"record_id,omitempty"`
	NodeID          int64             `json:"node_id,omitempty"`
	Title           string            `json:"title"`
	Fields          []FieldDescriptor `json:"fields"`
	AttachmentSlots []SlotDescriptor  `json:"attachment_slots,omitempty"`
	Values          map[string]any    `json:"values"`
}

// FieldDescriptor describes how one field is rendered.
type FieldDescriptor struct {
	Name       string                `json:"name"`
	Label      string                `json:"label"`
	Kind       model.FieldKind       `json:"kind"`
	RawKind    string                `json:"raw_kind,omitempty"`
	Widget     string                `json:"widget"`
	Required   bool                  `json:"required,omitempty"`
	ReadOnly   bool                  `json:"read_only,omitempty"`
	Multiple   bool                  `json:"multiple,omitempty"`
	Options    []model.Option        `json:"options,omitempty"`
	Validation *ValidationDescriptor `json:"validation,omitempty"`
}

// ValidationDescriptor carries the client-side constraints of a field.
type ValidationDescriptor struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *uint64  `json:"min_length,omitempty"`
	MaxLength *uint64  `json:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// SlotDescriptor describes an attachment upload slot.
type SlotDescriptor struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Required bool     `json:"required,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
	Accept   []string `json:"accept,omitempty"`
	MaxSize  int64    `json:"max_size,omitempty"`
}

// widgets maps each known kind to its browser widget. Unknown kinds fall
// back to a plain text input.
var widgets = map[model.FieldKind]string{
	model.FieldText:        "input",
	model.FieldTextarea:    "textarea",
	model.FieldNumber:      "number",
	model.FieldDate:        "date-picker",
	model.FieldDateTime:    "datetime-picker",
	model.FieldSelect:      "select",
	model.FieldMultiSelect: "select",
	model.FieldCheckbox:    "checkbox",
	model.FieldAttachment:  "upload",
	model.FieldUser:        "user-picker",
	model.FieldOrg:         "org-picker",
}

// Describe builds a Descriptor from def. Fields are ordered by their Order
// then by definition order; values are copied.
func Describe(def model.FormDefinition, mode Mode, recordID int64, values map[string]any) Descriptor {
	d := Descriptor{
		Mode:     mode,
		TypeID:   def.TypeID,
		FormID:   def.ID,
		RecordID: recordID,
		NodeID:   def.NodeID,
		Title:    def.Title,
		Fields:   make([]FieldDescriptor, 0, len(def.Fields)),
		Values:   copyValues(values),
	}

	fields := make([]model.FieldDefinition, len(def.Fields))
	copy(fields, def.Fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Order < fields[j].Order })

	for _, f := range fields {
		d.Fields = append(d.Fields, describeField(f))
	}
	for _, s := range def.AttachmentSlots {
		d.AttachmentSlots = append(d.AttachmentSlots, SlotDescriptor{
			Name:     s.Name,
			Label:    s.Label,
			Required: s.Required,
			Multiple: s.Multiple,
			Accept:   s.Accept,
			MaxSize:  s.MaxSize,
		})
	}
	return d
}

func describeField(f model.FieldDefinition) FieldDescriptor {
	kind := f.Kind.Normalize()
	fd := FieldDescriptor{
		Name:     f.Name,
		Label:    f.Label,
		Kind:     kind,
		Widget:   "input",
		Required: f.Required,
		ReadOnly: f.ReadOnly,
		Multiple: f.Multiple || kind == model.FieldMultiSelect,
		Options:  f.Options,
	}
	if w, ok := widgets[kind]; ok {
		fd.Widget = w
	} else {
		fd.RawKind = string(f.Kind)
		fd.Kind = model.FieldText
	}

	if f.Min != nil || f.Max != nil || f.MinLength != nil || f.MaxLength != nil || f.Pattern != "" {
		fd.Validation = &ValidationDescriptor{
			Min:       f.Min,
			Max:       f.Max,
			MinLength: f.MinLength,
			MaxLength: f.MaxLength,
			Pattern:   f.Pattern,
		}
	}
	return fd
}
