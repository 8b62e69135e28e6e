package form

import (
	"testing"

	"github.com/pitabwire/officeflow/model"
)

func ptr[T any](v T) *T { return &v }

func testDefinition() model.FormDefinition {
	return model.FormDefinition{
		ID:     11,
		TypeID: 5,
		Fields: []model.FieldDefinition{
			{Name: "title", Label: "Title", Kind: model.FieldText, Required: true, MaxLength: ptr[uint64](10)},
			{Name: "code", Kind: model.FieldText, Pattern: `^[A-Z]{3}$`},
			{Name: "days", Label: "Days", Kind: "integer", Min: ptr(1.0), Max: ptr(30.0)},
			{Name: "urgent", Kind: model.FieldCheckbox},
			{Name: "priority", Kind: model.FieldSelect, Options: []model.Option{{Label: "Low", Value: "1"}, {Label: "High", Value: "2"}}},
			{Name: "tags", Kind: model.FieldMultiSelect, Options: []model.Option{{Value: "a"}, {Value: "b"}}},
			{Name: "due", Kind: model.FieldDate},
			{Name: "ref", Kind: model.FieldText, ReadOnly: true, Required: true},
			{Name: "scan", Kind: model.FieldAttachment, Required: true},
		},
		AttachmentSlots: []model.AttachmentSlot{
			{Name: "evidence", Required: true, Multiple: true, Accept: []string{".pdf", "image/*"}, MaxSize: 10},
		},
	}
}

func validFiles() []model.Attachment {
	return []model.Attachment{
		{Slot: "evidence", FileName: "a.pdf", Data: []byte("pdf")},
		{Slot: "scan", FileName: "scan.png", ContentType: "image/png", Data: []byte("png")},
	}
}

func codes(errs []model.FieldError) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		out[e.Field] = e.Code
	}
	return out
}

func TestValidate_valid(t *testing.T) {
	errs := Validate(testDefinition(), Input{
		Values: map[string]any{
			"title":    "Trip",
			"code":     "ABC",
			"days":     "3",
			"urgent":   "true",
			"priority": float64(2),
			"tags":     []any{"a", "b"},
			"due":      "2026-10-17",
		},
		Files: validFiles(),
	})
	if len(errs) != 0 {
		t.Errorf("errors = %+v, want none", errs)
	}
}

func TestValidate_fieldViolations(t *testing.T) {
	errs := Validate(testDefinition(), Input{
		Values: map[string]any{
			"title":    "   ",
			"code":     "abc",
			"days":     float64(31),
			"priority": "9",
			"tags":     []any{"c"},
			"due":      "tomorrow",
		},
		Files: validFiles(),
	})

	got := codes(errs)
	want := map[string]string{
		"title":    "required",
		"code":     "pattern",
		"days":     "max",
		"priority": "invalid_option",
		"tags":     "invalid_option",
		"due":      "invalid_date",
	}
	for field, code := range want {
		if got[field] != code {
			t.Errorf("%s code = %q, want %q", field, got[field], code)
		}
	}
	if _, ok := got["ref"]; ok {
		t.Error("read-only field should not be validated")
	}
}

func TestValidate_maxLength(t *testing.T) {
	errs := Validate(testDefinition(), Input{
		Values: map[string]any{"title": "far too long a title"},
		Files:  validFiles(),
	})
	if got := codes(errs)["title"]; got != "max_length" {
		t.Errorf("title code = %q, want max_length", got)
	}
}

func TestValidate_attachments(t *testing.T) {
	tests := []struct {
		name  string
		in    Input
		field string
		code  string
	}{
		{
			name:  "missing required slot",
			in:    Input{Values: map[string]any{"title": "x"}, Files: validFiles()[1:]},
			field: "evidence",
			code:  "required",
		},
		{
			name: "stored attachment satisfies required slot",
			in: Input{
				Values: map[string]any{"title": "x"},
				Files:  validFiles()[1:],
				Stored: map[string]int{"evidence": 1},
			},
		},
		{
			name: "too large",
			in: Input{Values: map[string]any{"title": "x"}, Files: append(validFiles(),
				model.Attachment{Slot: "evidence", FileName: "big.pdf", Data: make([]byte, 11)})},
			field: "evidence",
			code:  "file_too_large",
		},
		{
			name: "wrong type",
			in: Input{Values: map[string]any{"title": "x"}, Files: append(validFiles(),
				model.Attachment{Slot: "evidence", FileName: "a.exe", ContentType: "application/octet-stream"})},
			field: "evidence",
			code:  "file_type",
		},
		{
			name: "single slot with two files",
			in: Input{Values: map[string]any{"title": "x"}, Files: append(validFiles(),
				model.Attachment{Slot: "scan", FileName: "again.png"})},
			field: "scan",
			code:  "too_many_files",
		},
		{
			name: "unknown slot",
			in: Input{Values: map[string]any{"title": "x"}, Files: append(validFiles(),
				model.Attachment{Slot: "nope", FileName: "x.pdf"})},
			field: "nope",
			code:  "unknown_slot",
		},
		{
			name: "generic attachment without slot",
			in: Input{Values: map[string]any{"title": "x"}, Files: append(validFiles(),
				model.Attachment{FileName: "x.pdf"})},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(testDefinition(), tt.in)
			if tt.field == "" {
				if len(errs) != 0 {
					t.Errorf("errors = %+v, want none", errs)
				}
				return
			}
			if got := codes(errs)[tt.field]; got != tt.code {
				t.Errorf("%s code = %q, want %q (errors = %+v)", tt.field, got, tt.code, errs)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	def := testDefinition()
	in := map[string]any{"days": "4", "urgent": "false", "priority": float64(1), "tags": []string{"a"}, "extra": "kept"}

	out := Normalize(def, in)

	if out["days"] != 4.0 {
		t.Errorf("days = %#v, want 4.0", out["days"])
	}
	if out["urgent"] != false {
		t.Errorf("urgent = %#v, want false", out["urgent"])
	}
	if out["priority"] != "1" {
		t.Errorf("priority = %#v, want \"1\"", out["priority"])
	}
	if tags, ok := out["tags"].([]any); !ok || len(tags) != 1 || tags[0] != "a" {
		t.Errorf("tags = %#v", out["tags"])
	}
	if out["extra"] != "kept" {
		t.Errorf("extra = %#v", out["extra"])
	}
	if in["days"] != "4" {
		t.Error("input map must not be modified")
	}
}
