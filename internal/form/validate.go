package form

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/officeflow/model"
)

// Input is everything a submission carries that a form definition constrains.
type Input struct {
	Values map[string]any
	Files  []model.Attachment
	// Stored counts attachments already on the backend per slot, so update
	// mode does not demand a re-upload of required files.
	Stored map[string]int
}

// dateLayouts are the date forms accepted from the browser.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
	"02/01/2006 15:04",
}

// Validate checks in against def and returns one entry per violation.
// Read-only fields and values for fields the definition does not know are
// not checked.
func Validate(def model.FormDefinition, in Input) []model.FieldError {
	values := Normalize(def, in.Values)
	var errs []model.FieldError

	for _, f := range def.Fields {
		kind := f.Kind.Normalize()
		if f.ReadOnly || kind == model.FieldAttachment {
			continue
		}
		v, present := values[f.Name]
		if !present || isEmpty(v) {
			if f.Required {
				errs = append(errs, model.FieldError{
					Field:   f.Name,
					Code:    "required",
					Message: fmt.Sprintf("%s is required", labelOf(f)),
				})
			}
			continue
		}
		errs = append(errs, validateValue(f, kind, v)...)
	}

	errs = append(errs, validateAttachments(def, in)...)
	return errs
}

// Normalize coerces browser-submitted values to the JSON types their
// fields expect: numeric strings to numbers, "true"/"false" to booleans and
// choice values to strings. Unknown fields pass through unchanged.
func Normalize(def model.FormDefinition, values map[string]any) map[string]any {
	out := copyValues(values)
	for _, f := range def.Fields {
		v, ok := out[f.Name]
		if !ok || v == nil {
			continue
		}
		switch f.Kind.Normalize() {
		case model.FieldNumber:
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					out[f.Name] = n
				}
			}
		case model.FieldCheckbox:
			if s, ok := v.(string); ok {
				if b, err := strconv.ParseBool(s); err == nil {
					out[f.Name] = b
				}
			}
		case model.FieldSelect, model.FieldMultiSelect:
			out[f.Name] = choiceValue(v, f.Multiple || f.Kind.Normalize() == model.FieldMultiSelect)
		}
	}
	return out
}

func choiceValue(v any, multiple bool) any {
	switch t := v.(type) {
	case []any:
		items := make([]any, 0, len(t))
		for _, e := range t {
			items = append(items, fmt.Sprint(e))
		}
		return items
	case []string:
		items := make([]any, 0, len(t))
		for _, e := range t {
			items = append(items, e)
		}
		return items
	default:
		s := fmt.Sprint(t)
		if multiple {
			return []any{s}
		}
		return s
	}
}

// schemaFor compiles a field definition into an OpenAPI schema.
func schemaFor(f model.FieldDefinition, kind model.FieldKind) *openapi3.Schema {
	switch kind {
	case model.FieldNumber:
		s := openapi3.NewFloat64Schema()
		if f.Min != nil {
			s.WithMin(*f.Min)
		}
		if f.Max != nil {
			s.WithMax(*f.Max)
		}
		return s
	case model.FieldCheckbox:
		return openapi3.NewBoolSchema()
	case model.FieldSelect, model.FieldMultiSelect:
		item := openapi3.NewStringSchema()
		if len(f.Options) > 0 {
			enum := make([]any, 0, len(f.Options))
			for _, o := range f.Options {
				enum = append(enum, o.Value)
			}
			item.WithEnum(enum...)
		}
		if f.Multiple || kind == model.FieldMultiSelect {
			return openapi3.NewArraySchema().WithItems(item)
		}
		return item
	case model.FieldDate, model.FieldDateTime, model.FieldUser, model.FieldOrg:
		return openapi3.NewSchema()
	default:
		s := openapi3.NewStringSchema()
		if f.MinLength != nil {
			s.WithMinLength(int64(*f.MinLength))
		}
		if f.MaxLength != nil {
			s.WithMaxLength(int64(*f.MaxLength))
		}
		if f.Pattern != "" {
			s.WithPattern(f.Pattern)
		}
		return s
	}
}

func validateValue(f model.FieldDefinition, kind model.FieldKind, v any) []model.FieldError {
	var errs []model.FieldError

	if err := schemaFor(f, kind).VisitJSON(v, openapi3.MultiErrors()); err != nil {
		for _, se := range flatten(err) {
			errs = append(errs, model.FieldError{
				Field:   f.Name,
				Code:    codeFor(se),
				Message: messageFor(f, se),
			})
		}
	}

	if kind == model.FieldDate || kind == model.FieldDateTime {
		if s, ok := v.(string); ok && !parsesAsDate(s) {
			errs = append(errs, model.FieldError{
				Field:   f.Name,
				Code:    "invalid_date",
				Message: fmt.Sprintf("%s is not a valid date", labelOf(f)),
			})
		}
	}
	return errs
}

// flatten unwraps nested multi-errors into their leaves.
func flatten(err error) []error {
	if me, ok := err.(openapi3.MultiError); ok {
		var out []error
		for _, e := range me {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

func codeFor(err error) string {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return "invalid"
	}
	switch se.SchemaField {
	case "minLength":
		return "min_length"
	case "maxLength":
		return "max_length"
	case "pattern":
		return "pattern"
	case "minimum":
		return "min"
	case "maximum":
		return "max"
	case "enum":
		return "invalid_option"
	case "type":
		return "invalid_type"
	}
	return "invalid"
}

func messageFor(f model.FieldDefinition, err error) string {
	var se *openapi3.SchemaError
	if errors.As(err, &se) && se.Reason != "" {
		return labelOf(f) + ": " + se.Reason
	}
	return labelOf(f) + ": " + err.Error()
}

func validateAttachments(def model.FormDefinition, in Input) []model.FieldError {
	slots := make([]model.AttachmentSlot, 0, len(def.AttachmentSlots))
	slots = append(slots, def.AttachmentSlots...)
	// Attachment-typed fields behave as single slots.
	for _, f := range def.Fields {
		if f.Kind.Normalize() != model.FieldAttachment || f.ReadOnly {
			continue
		}
		if _, ok := def.Slot(f.Name); ok {
			continue
		}
		slots = append(slots, model.AttachmentSlot{
			Name:     f.Name,
			Label:    f.Label,
			Required: f.Required,
			Multiple: f.Multiple,
		})
	}

	staged := make(map[string][]model.Attachment)
	for _, a := range in.Files {
		staged[a.Slot] = append(staged[a.Slot], a)
	}

	var errs []model.FieldError
	known := make(map[string]bool, len(slots))
	for _, s := range slots {
		known[s.Name] = true
		files := staged[s.Name]
		label := s.Label
		if label == "" {
			label = s.Name
		}

		if s.Required && len(files) == 0 && in.Stored[s.Name] == 0 {
			errs = append(errs, model.FieldError{
				Field:   s.Name,
				Code:    "required",
				Message: fmt.Sprintf("%s requires an attachment", label),
			})
		}
		if !s.Multiple && len(files) > 1 {
			errs = append(errs, model.FieldError{
				Field:   s.Name,
				Code:    "too_many_files",
				Message: fmt.Sprintf("%s accepts a single file", label),
			})
		}
		for _, a := range files {
			if s.MaxSize > 0 && a.Size() > s.MaxSize {
				errs = append(errs, model.FieldError{
					Field:   s.Name,
					Code:    "file_too_large",
					Message: fmt.Sprintf("%s exceeds %d bytes", a.FileName, s.MaxSize),
				})
			}
			if !accepts(s.Accept, a) {
				errs = append(errs, model.FieldError{
					Field:   s.Name,
					Code:    "file_type",
					Message: fmt.Sprintf("%s is not an accepted file type", a.FileName),
				})
			}
		}
	}

	// Files without a slot are generic attachments of the record.
	for name, files := range staged {
		if name != "" && !known[name] {
			errs = append(errs, model.FieldError{
				Field:   name,
				Code:    "unknown_slot",
				Message: fmt.Sprintf("%d file(s) staged for unknown slot %q", len(files), name),
			})
		}
	}
	return errs
}

// accepts matches a file against accept entries: extensions (".pdf"),
// exact media types or wildcards ("image/*"). No entries accept anything.
func accepts(accept []string, a model.Attachment) bool {
	if len(accept) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(a.FileName))
	ct := strings.ToLower(a.ContentType)
	for _, raw := range accept {
		pat := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case strings.HasPrefix(pat, "."):
			if ext == pat {
				return true
			}
		case strings.HasSuffix(pat, "/*"):
			if strings.HasPrefix(ct, strings.TrimSuffix(pat, "*")) {
				return true
			}
		case pat == ct:
			return true
		}
	}
	return false
}

func parsesAsDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func labelOf(f model.FieldDefinition) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}
