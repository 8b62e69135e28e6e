package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/form"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/submission"
	"github.com/pitabwire/officeflow/model"
)

// formResponse is a rendered form together with the caller's session.
type formResponse struct {
	Form    form.Descriptor `json:"form"`
	Session sessionView     `json:"session"`
}

// partialResponse carries a PARTIAL_SUBMISSION error and how far the
// submission got.
type partialResponse struct {
	Error   *model.ErrorEnvelope `json:"error"`
	Outcome submission.Outcome   `json:"outcome"`
}

func (h *Handlers) handleGetForm(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	typeID, recordID, err := sessionTarget(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Renderer.Resolve(r.Context(), rctx, typeID, recordID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	key := sessionKey(rctx, typeID, recordID)
	if queryBool(r, "reset") {
		h.Sessions.Delete(key)
	}
	session, found := h.Sessions.Get(key)
	if !found {
		fresh := h.newSession(r.Context(), rctx, res)
		session = h.Sessions.Open(key, func() *form.Session { return fresh })
	}

	WriteJSON(w, http.StatusOK, formResponse{Form: res.Descriptor, Session: viewOf(session)})
}

// newSession starts a session for res, prefilled from the caller's
// assignment memory and, in update mode, the stored attachment counts.
// Both lookups are best effort.
func (h *Handlers) newSession(ctx context.Context, rctx *model.RequestContext, res form.Resolved) *form.Session {
	s := form.NewSession(rctx.MemoryKey(), res)
	logger := observability.RequestLogger(ctx, h.Logger)

	if h.Memory != nil {
		mem, err := h.Memory.For(rctx.MemoryKey()).Get(ctx)
		if err != nil {
			logger.Warn("assignment memory unavailable, form not prefilled", zap.Error(err))
		} else {
			s.Prefill(mem)
		}
	}
	if s.RecordID > 0 && h.Coordinator != nil {
		list, err := h.Coordinator.ListAttachments(ctx, rctx, s.RecordID)
		if err != nil {
			logger.Warn("stored attachments unavailable", zap.Int64("record_id", s.RecordID), zap.Error(err))
		} else {
			s.Stored = submission.StoredCounts(list)
		}
	}
	return s
}

func (h *Handlers) handleListRecords(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	typeID, err := pathID(r, "typeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	nodeID, err := queryID(r, "nodeId")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	page, err := h.Renderer.List(r.Context(), rctx, typeID, form.ListQuery{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "size", 20),
		Search:   r.URL.Query().Get("q"),
		NodeID:   nodeID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func (h *Handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	typeID, recordID, err := sessionTarget(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, found := h.Sessions.Get(sessionKey(rctx, typeID, recordID))
	if !found {
		WriteNotFound(w, "no open form session; load the form first")
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(s))
}

// updateSession applies fn to the addressed session and writes the result.
func (h *Handlers) updateSession(w http.ResponseWriter, r *http.Request, fn func(*form.Session) error) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	typeID, recordID, err := sessionTarget(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Sessions.Update(sessionKey(rctx, typeID, recordID), fn)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(s))
}

func (h *Handlers) handleUpdateFields(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates []form.FieldUpdate `json:"updates"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	h.updateSession(w, r, func(s *form.Session) error {
		return s.Apply(body.Updates)
	})
}

func (h *Handlers) handleSelectTransfer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID    int64            `json:"node_id"`
		Assignees []model.Assignee `json:"assignees"`
		Comment   string           `json:"comment"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.NodeID < 0 {
		h.fail(w, r, model.NewBadRequestError("node_id must not be negative"))
		return
	}
	h.updateSession(w, r, func(s *form.Session) error {
		s.SelectNode(body.NodeID)
		s.SetAssignees(body.Assignees, body.Comment)
		return nil
	})
}

func (h *Handlers) handleStageAttachments(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, model.NewBadRequestError("upload exceeds the size limit"))
			return
		}
		h.fail(w, r, model.NewBadRequestError("invalid multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	slot := r.FormValue("slot")
	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		h.fail(w, r, model.NewBadRequestError("no file in field \"file\""))
		return
	}

	files := make([]model.Attachment, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		ct := fh.Header.Get("Content-Type")
		if ct == "" {
			ct = http.DetectContentType(data)
		}
		files = append(files, model.Attachment{Slot: slot, FileName: fh.Filename, ContentType: ct, Data: data})
	}

	h.updateSession(w, r, func(s *form.Session) error {
		for _, f := range files {
			if err := s.Stage(f); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handlers) handleUnstageAttachment(w http.ResponseWriter, r *http.Request) {
	slot := r.URL.Query().Get("slot")
	name := r.URL.Query().Get("name")
	if name == "" {
		h.fail(w, r, model.NewBadRequestError("name is required"))
		return
	}
	h.updateSession(w, r, func(s *form.Session) error {
		if !s.Unstage(slot, name) {
			return model.NewNotFoundError("no staged file " + name)
		}
		return nil
	})
}

func (h *Handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	typeID, recordID, err := sessionTarget(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.Coordinator.Submit(r.Context(), rctx, sessionKey(rctx, typeID, recordID), submission.Options{
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil {
		if env, ok := model.AsEnvelope(err); ok && env.Code == model.ErrPartialSubmission {
			WriteJSON(w, StatusFor(env), partialResponse{Error: env, Outcome: out})
			return
		}
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	recordID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.Coordinator.ListAttachments(r.Context(), rctx, recordID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"attachments": list})
}

func (h *Handlers) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	rctx, ok := requestContext(w, r)
	if !ok {
		return
	}
	attachmentID, err := pathID(r, "attachmentId")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.Coordinator.DownloadAttachment(r.Context(), rctx, attachmentID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", d.ContentType)
	w.Header().Set("Content-Disposition", contentDisposition(d.FileName))
	w.WriteHeader(http.StatusOK)
	w.Write(d.Data)
}
