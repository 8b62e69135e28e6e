package transport

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/assignment"
	"github.com/pitabwire/officeflow/internal/form"
	"github.com/pitabwire/officeflow/internal/notify"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/signing"
	"github.com/pitabwire/officeflow/internal/submission"
	"github.com/pitabwire/officeflow/internal/workflow"
	"github.com/pitabwire/officeflow/model"
)

const defaultMaxUploadBytes = 32 << 20

// Handlers serves the /ui API on top of the domain services.
type Handlers struct {
	Resolver       *workflow.Resolver
	Renderer       *form.Renderer
	Sessions       *form.SessionStore
	Coordinator    *submission.Coordinator
	Memory         *assignment.Service
	Signer         *signing.Client
	Hub            *notify.Hub
	Logger         *zap.Logger
	MaxUploadBytes int64
}

func (h *Handlers) logger(r *http.Request) *zap.Logger {
	return observability.RequestLogger(r.Context(), h.Logger)
}

// fail writes err; errors without an envelope are logged since the client
// only sees a generic 500.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := model.AsEnvelope(err); !ok {
		h.logger(r).Error("request failed", zap.Error(err))
	}
	WriteError(w, err)
}

// requestContext returns the caller identity or writes a 401.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, model.NewBadRequestError(name + " must be a positive integer")
	}
	return v, nil
}

// queryID parses an optional non-negative integer query parameter.
func queryID(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, model.NewBadRequestError(name + " must be a non-negative integer")
	}
	return v, nil
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// sessionKey is the form session of the caller for a type and record.
func sessionKey(rctx *model.RequestContext, typeID, recordID int64) string {
	return form.SessionKey(rctx.MemoryKey(), typeID, recordID)
}

// sessionTarget reads the type and record a session route addresses.
func sessionTarget(r *http.Request) (typeID, recordID int64, err error) {
	if typeID, err = pathID(r, "typeId"); err != nil {
		return 0, 0, err
	}
	if recordID, err = queryID(r, "id"); err != nil {
		return 0, 0, err
	}
	return typeID, recordID, nil
}

// fileView describes a staged file without its content.
type fileView struct {
	Slot        string `json:"slot"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// sessionView is the browser's view of a form session.
type sessionView struct {
	Key            string           `json:"key"`
	TypeID         int64            `json:"type_id"`
	RecordID       int64            `json:"record_id"`
	Mode           form.Mode        `json:"mode"`
	Values         map[string]any   `json:"values"`
	Files          []fileView       `json:"files"`
	Stored         map[string]int   `json:"stored"`
	CurrentNodeID  int64            `json:"current_node_id,omitempty"`
	SelectedNodeID int64            `json:"selected_node_id,omitempty"`
	Assignees      []model.Assignee `json:"assignees"`
	Comment        string           `json:"comment,omitempty"`
	Version        int64            `json:"version"`
}

func viewOf(s *form.Session) sessionView {
	v := sessionView{
		Key:            s.Key,
		TypeID:         s.TypeID,
		RecordID:       s.RecordID,
		Mode:           s.Mode,
		Values:         s.Values,
		Files:          make([]fileView, 0, len(s.Files)),
		Stored:         s.Stored,
		CurrentNodeID:  s.CurrentNodeID,
		SelectedNodeID: s.SelectedNodeID,
		Assignees:      model.CloneAssignees(s.Assignees),
		Comment:        s.Comment,
		Version:        s.Version,
	}
	for _, f := range s.Files {
		v.Files = append(v.Files, fileView{Slot: f.Slot, FileName: f.FileName, ContentType: f.ContentType, Size: f.Size()})
	}
	return v
}

// contentDisposition builds an attachment header for name. Non-ASCII names
// are encoded per RFC 2231.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
