// Package submission coordinates saving a form: record create or update,
// per-part attachment upload and the optional transfer to the next node.
// The steps are not atomic on the backend, so every outcome says exactly
// how far a submission got.
package submission

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/assignment"
	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/form"
	"github.com/pitabwire/officeflow/internal/invoker"
	"github.com/pitabwire/officeflow/internal/notify"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/querycache"
	"github.com/pitabwire/officeflow/internal/workflow"
	"github.com/pitabwire/officeflow/model"
)

// PartResult reports the upload of one staged attachment.
type PartResult struct {
	Name         string `json:"name"`
	Slot         string `json:"slot,omitempty"`
	AttachmentID int64  `json:"attachment_id,omitempty"`
	Err          error  `json:"-"`
	Error        string `json:"error,omitempty"`
}

// OK reports whether the part was uploaded.
func (p PartResult) OK() bool {
	return p.Err == nil && p.Error == ""
}

// Outcome is how far a submission got. Saved without a failure elsewhere
// means complete; Saved with a failed part or transfer is partial.
type Outcome struct {
	Record      *model.Record `json:"record,omitempty"`
	Saved       bool          `json:"saved"`
	Attachments []PartResult  `json:"attachments"`
	Transferred bool          `json:"transferred"`
	// TransferErr is set when a selected transfer failed or was skipped.
	TransferErr string `json:"transfer_error,omitempty"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// Complete reports whether every requested step succeeded.
func (o Outcome) Complete() bool {
	if !o.Saved || o.TransferErr != "" {
		return false
	}
	for _, p := range o.Attachments {
		if !p.OK() {
			return false
		}
	}
	return true
}

// Options tune a single submission.
type Options struct {
	// IdempotencyKey de-duplicates repeated submissions; empty disables it.
	IdempotencyKey string
}

// Coordinator runs submissions against the backend.
type Coordinator struct {
	backend   invoker.Doer
	endpoints config.EndpointsConfig
	cache     *querycache.Cache
	sessions  *form.SessionStore
	resolver  *workflow.Resolver
	memory    *assignment.Service
	notifier  notify.Notifier
	idem      IdempotencyStore
	idemTTL   time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdempotency enables de-duplication through store.
func WithIdempotency(store IdempotencyStore, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.idem = store
		c.idemTTL = ttl
	}
}

// WithResolver enables the advisory check of the selected node.
func WithResolver(r *workflow.Resolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithAssignmentMemory records the node and assignees of each transfer.
func WithAssignmentMemory(svc *assignment.Service) Option {
	return func(c *Coordinator) { c.memory = svc }
}

// WithNotifier sets the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	backend invoker.Doer,
	endpoints config.EndpointsConfig,
	cache *querycache.Cache,
	sessions *form.SessionStore,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		backend:   backend,
		endpoints: endpoints,
		cache:     cache,
		sessions:  sessions,
		notifier:  notify.Nop{},
		idemTTL:   10 * time.Minute,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit saves the form session stored under sessionKey.
//
// Validation failures block the submission. A failure before the record is
// saved leaves the session untouched. Once the record is saved, a failed
// attachment or transfer yields a PARTIAL_SUBMISSION error together with
// the outcome; the session then remembers the saved record and drops the
// uploaded files so a retry resumes instead of duplicating. On full
// success the session is removed.
func (c *Coordinator) Submit(ctx context.Context, rctx *model.RequestContext, sessionKey string, opts Options) (Outcome, error) {
	start := time.Now()

	session, ok := c.sessions.Get(sessionKey)

	var idemKey string
	var fp Fingerprint
	if opts.IdempotencyKey != "" && c.idem != nil {
		idemKey = FormatIdempotencyKey(rctx.MemoryKey(), opts.IdempotencyKey)
		fp = Fingerprint{Session: sessionKey}
		if ok {
			var err error
			if fp, err = HashRequest(sessionKey, session.Payload()); err != nil {
				return Outcome{}, err
			}
		}
		prev, found, err := c.idem.Check(ctx, idemKey, fp)
		if err != nil {
			return Outcome{}, err
		}
		if found {
			observability.RequestLogger(ctx, c.logger).Info("submission replayed from idempotency store",
				zap.String("session", sessionKey),
			)
			prev.Replayed = true
			return *prev, nil
		}
	}

	if !ok {
		return Outcome{}, model.NewNotFoundError("no open form session; load the form first")
	}
	mode := string(form.ModeFor(session.RecordID))
	payload := session.Payload()

	ctx, span := observability.StartSpan(ctx, "submission.submit",
		observability.AttrTypeID.Int64(session.TypeID),
		observability.AttrRecordID.Int64(session.RecordID),
		observability.AttrMode.String(mode),
	)
	logger := observability.RequestLogger(ctx, c.logger).With(
		zap.Int64("type_id", session.TypeID),
		zap.Int64("record_id", session.RecordID),
		zap.String("mode", mode),
	)

	if errs := form.Validate(session.Definition, session.Input()); len(errs) > 0 {
		err := model.NewValidationError(errs)
		observability.EndSpanWithError(span, err)
		c.metrics.RecordSubmissionValidationFailure()
		c.metrics.RecordSubmission(mode, "invalid", time.Since(start))
		logger.Info("submission blocked by validation", zap.Int("errors", len(errs)))
		return Outcome{}, err
	}

	if payload.NodeID > 0 && c.resolver != nil {
		c.resolver.Contains(ctx, rctx, session.TypeID, session.CurrentNodeID, payload.NodeID)
	}

	outcome := Outcome{Attachments: []PartResult{}}

	rec, err := c.save(ctx, rctx, payload)
	if err != nil {
		observability.EndSpanWithError(span, err)
		c.metrics.RecordSubmission(mode, "failed", time.Since(start))
		logger.Warn("submission failed, nothing saved", zap.Error(err))
		c.notifier.Notify(ctx, notify.FromError(rctx.Recipient(), err))
		return Outcome{}, err
	}
	outcome.Saved = true
	outcome.Record = &rec
	c.cache.InvalidateType(session.TypeID)
	c.cache.InvalidateRecord(rec.ID)

	uploadsOK := true
	for _, f := range payload.Files {
		part := c.upload(ctx, rctx, rec.ID, f)
		if !part.OK() {
			uploadsOK = false
		}
		outcome.Attachments = append(outcome.Attachments, part)
	}

	if payload.NodeID > 0 {
		switch {
		case !uploadsOK:
			outcome.TransferErr = "transfer skipped because an attachment failed to upload"
		default:
			if err := c.transfer(ctx, rctx, rec, payload); err != nil {
				outcome.TransferErr = errorMessage(err)
			} else {
				outcome.Transferred = true
				c.remember(ctx, rctx, payload)
			}
		}
	}

	if !outcome.Complete() {
		perr := model.NewPartialSubmissionError(partialMessage(outcome))
		observability.EndSpanWithError(span, perr)
		c.metrics.RecordSubmission(mode, "partial", time.Since(start))
		logger.Warn("submission partially completed",
			zap.Int64("saved_record_id", rec.ID),
			zap.Bool("transferred", outcome.Transferred),
			zap.String("detail", perr.Message),
		)
		c.resume(sessionKey, rec, outcome)
		c.notifier.Notify(ctx, notify.Notification{
			Level:     notify.LevelWarning,
			Code:      model.ErrPartialSubmission,
			Message:   perr.Message,
			Recipient: rctx.Recipient(),
		})
		return outcome, perr
	}

	span.End()
	c.sessions.Delete(sessionKey)
	c.metrics.RecordSubmission(mode, "ok", time.Since(start))
	logger.Info("submission completed",
		zap.Int64("saved_record_id", rec.ID),
		zap.Int("attachments", len(outcome.Attachments)),
		zap.Bool("transferred", outcome.Transferred),
	)
	c.notifier.Notify(ctx, notify.Notification{
		Level:     notify.LevelSuccess,
		Message:   "Saved",
		Recipient: rctx.Recipient(),
	})

	if idemKey != "" {
		if err := c.idem.Store(ctx, idemKey, fp, outcome, c.idemTTL); err != nil {
			logger.Error("failed to store idempotency outcome", zap.Error(err))
		}
	}
	return outcome, nil
}

// save creates or updates the record. The backend may answer with the
// record or with a bare id.
func (c *Coordinator) save(ctx context.Context, rctx *model.RequestContext, p model.SubmissionPayload) (model.Record, error) {
	req := invoker.Request{
		Endpoint:               "create",
		Method:                 http.MethodPost,
		Path:                   c.endpoints.Create,
		PathParams:             map[string]string{"formId": strconv.FormatInt(p.FormID, 10)},
		Body:                   p,
		NoRetry:                true,
		SkipGlobalErrorHandler: true,
	}
	if !p.IsNew() {
		req.Endpoint = "update"
		req.Path = c.endpoints.Update
		req.PathParams = map[string]string{"id": strconv.FormatInt(p.ID, 10)}
	}

	res, err := c.backend.Do(ctx, rctx, req)
	if err != nil {
		return model.Record{}, err
	}

	rec := model.Record{}
	if err := res.Decode(&rec); err != nil {
		var id int64
		if idErr := res.Decode(&id); idErr != nil {
			return model.Record{}, fmt.Errorf("submission: decode saved record: %w", err)
		}
		rec.ID = id
	}
	if rec.ID == 0 {
		rec.ID = p.ID
	}
	if rec.ID == 0 {
		return model.Record{}, fmt.Errorf("submission: backend returned no record id")
	}
	if rec.TypeID == 0 {
		rec.TypeID = p.TypeID
	}
	if rec.FormID == 0 {
		rec.FormID = p.FormID
	}
	return rec, nil
}

func (c *Coordinator) upload(ctx context.Context, rctx *model.RequestContext, recordID int64, f model.Attachment) PartResult {
	part := PartResult{Name: f.FileName, Slot: f.Slot}

	fields := map[string]string{}
	if f.Slot != "" {
		fields["slot"] = f.Slot
	}
	res, err := c.backend.Do(ctx, rctx, invoker.Request{
		Endpoint:   "attachment_upload",
		Method:     http.MethodPost,
		Path:       c.endpoints.AttachmentUpload,
		PathParams: map[string]string{"id": strconv.FormatInt(recordID, 10)},
		Fields:     fields,
		Parts: []invoker.Part{{
			FieldName:   "file",
			FileName:    f.FileName,
			ContentType: f.ContentType,
			Data:        f.Data,
		}},
		NoRetry:                true,
		SkipGlobalErrorHandler: true,
	})
	if err != nil {
		part.Err = err
		part.Error = errorMessage(err)
		c.metrics.RecordAttachmentUpload("error", f.Size())
		return part
	}

	var stored model.StoredAttachment
	if err := res.Decode(&stored); err == nil {
		part.AttachmentID = stored.ID
	}
	c.metrics.RecordAttachmentUpload("ok", f.Size())
	return part
}

func (c *Coordinator) transfer(ctx context.Context, rctx *model.RequestContext, rec model.Record, p model.SubmissionPayload) error {
	_, err := c.backend.Do(ctx, rctx, invoker.Request{
		Endpoint: "transfer",
		Method:   http.MethodPost,
		Path:     c.endpoints.Transfer,
		Body: model.TransferRequest{
			RecordID:  rec.ID,
			TypeID:    p.TypeID,
			NodeID:    p.NodeID,
			Assignees: p.Assignees,
			Comment:   p.Comment,
		},
		NoRetry:                true,
		SkipGlobalErrorHandler: true,
	})
	if err != nil {
		c.metrics.RecordTransfer("error")
		return err
	}
	c.metrics.RecordTransfer("ok")
	return nil
}

// remember stores the chosen node and assignees. Failures are logged only;
// the transfer itself has already succeeded.
func (c *Coordinator) remember(ctx context.Context, rctx *model.RequestContext, p model.SubmissionPayload) {
	if c.memory == nil {
		return
	}
	if _, err := c.memory.For(rctx.MemoryKey()).RememberTransfer(ctx, p.NodeID, p.Assignees); err != nil {
		observability.RequestLogger(ctx, c.logger).Warn("failed to remember transfer choices",
			zap.Int64("node_id", p.NodeID),
			zap.Error(err),
		)
	}
}

// resume updates the session after a partial submission so a retry
// updates the saved record and only re-sends what failed.
func (c *Coordinator) resume(sessionKey string, rec model.Record, o Outcome) {
	_, _ = c.sessions.Update(sessionKey, func(s *form.Session) error {
		s.RecordID = rec.ID
		s.Mode = form.ModeUpdate
		uploaded := make(map[string]int)
		for _, p := range o.Attachments {
			if p.OK() {
				uploaded[p.Slot+"\x00"+p.Name]++
			}
		}
		kept := make([]model.Attachment, 0, len(s.Files))
		for _, f := range s.Files {
			k := f.Slot + "\x00" + f.FileName
			if uploaded[k] > 0 {
				uploaded[k]--
				s.Stored[f.Slot]++
				continue
			}
			kept = append(kept, f)
		}
		s.Files = kept
		if o.Transferred {
			s.CurrentNodeID = s.SelectedNodeID
			s.SelectedNodeID = 0
		}
		return nil
	})
}

func partialMessage(o Outcome) string {
	var failed []string
	for _, p := range o.Attachments {
		if !p.OK() {
			failed = append(failed, p.Name)
		}
	}
	msg := "The record was saved"
	if len(failed) > 0 {
		msg += ", but these attachments failed to upload: " + strings.Join(failed, ", ")
	}
	if o.TransferErr != "" {
		if len(failed) > 0 {
			msg += "; the transfer to the next step did not happen"
		} else {
			msg += ", but the transfer to the next step failed: " + o.TransferErr
		}
	}
	return msg
}

func errorMessage(err error) string {
	if env, ok := model.AsEnvelope(err); ok {
		return env.Message
	}
	return err.Error()
}
