package form

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/model"
)

// FieldUpdate is one field assignment. Updates are applied in order, so a
// later update of the same field wins.
type FieldUpdate struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Session is the in-progress state of one form. It is not safe for
// concurrent use; SessionStore serializes access.
type Session struct {
	Key       string
	SubjectID string
	TypeID    int64
	RecordID  int64
	Mode      Mode

	Definition model.FormDefinition
	Values     map[string]any
	Files      []model.Attachment
	// Stored counts attachments already saved on the backend per slot.
	Stored map[string]int

	// CurrentNodeID is the node the record sits at; zero for a new record.
	CurrentNodeID  int64
	SelectedNodeID int64
	Assignees      []model.Assignee
	Comment        string

	Version   int64
	UpdatedAt time.Time
}

// SessionKey returns the store key of a subject's form for a record.
func SessionKey(subject string, typeID, recordID int64) string {
	return subject + ":" + strconv.FormatInt(typeID, 10) + ":" + strconv.FormatInt(recordID, 10)
}

// NewSession starts a session from a resolved form.
func NewSession(subject string, res Resolved) *Session {
	s := &Session{
		SubjectID:  subject,
		TypeID:     res.Definition.TypeID,
		Mode:       res.Mode,
		Definition: res.Definition,
		Values:     map[string]any{},
		Stored:     map[string]int{},
	}
	if res.Record != nil {
		s.RecordID = res.Record.ID
		s.CurrentNodeID = res.Record.NodeID
		s.Values = copyValues(res.Record.Values)
	}
	s.Key = SessionKey(subject, s.TypeID, s.RecordID)
	return s
}

// Set assigns a single field.
func (s *Session) Set(field string, value any) error {
	return s.Apply([]FieldUpdate{{Field: field, Value: value}})
}

// Apply assigns fields in order. Either every update is applied or, when
// one names an unknown or read-only field, none is.
func (s *Session) Apply(updates []FieldUpdate) error {
	var details []model.FieldError
	for _, u := range updates {
		f, ok := s.Definition.Field(u.Field)
		switch {
		case !ok:
			details = append(details, model.FieldError{Field: u.Field, Code: "unknown_field", Message: "field is not part of the form"})
		case f.ReadOnly:
			details = append(details, model.FieldError{Field: u.Field, Code: "read_only", Message: "field is read-only"})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}

	for _, u := range updates {
		if u.Value == nil {
			delete(s.Values, u.Field)
			continue
		}
		s.Values[u.Field] = copyValue(u.Value)
	}
	s.touch()
	return nil
}

// Stage adds a file to an attachment slot. A single-file slot keeps only
// the most recently staged file.
func (s *Session) Stage(a model.Attachment) error {
	multiple := true
	if a.Slot != "" {
		slot, ok := s.slot(a.Slot)
		if !ok {
			return model.NewBadRequestError(fmt.Sprintf("unknown attachment slot %q", a.Slot))
		}
		multiple = slot.Multiple
	}
	if !multiple {
		s.dropSlot(a.Slot)
	}
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	a.Data = data
	s.Files = append(s.Files, a)
	s.touch()
	return nil
}

// Unstage removes a staged file and reports whether one was removed.
func (s *Session) Unstage(slot, fileName string) bool {
	for i, f := range s.Files {
		if f.Slot == slot && f.FileName == fileName {
			s.Files = append(s.Files[:i:i], s.Files[i+1:]...)
			s.touch()
			return true
		}
	}
	return false
}

// SelectNode records the next node chosen for transfer; zero clears it.
func (s *Session) SelectNode(nodeID int64) {
	s.SelectedNodeID = nodeID
	s.touch()
}

// SetAssignees replaces the recipients of the transfer.
func (s *Session) SetAssignees(list []model.Assignee, comment string) {
	s.Assignees = model.CloneAssignees(list)
	s.Comment = comment
	s.touch()
}

// Prefill applies the remembered node and assignees unless the user has
// already chosen.
func (s *Session) Prefill(mem model.AssignmentMemory) {
	if s.SelectedNodeID == 0 {
		s.SelectedNodeID = mem.LastSelectedNodeID
	}
	if len(s.Assignees) == 0 {
		s.Assignees = model.CloneAssignees(mem.LastAssignee)
	}
}

// Payload assembles the submission payload with normalized values.
func (s *Session) Payload() model.SubmissionPayload {
	return model.SubmissionPayload{
		TypeID:      s.TypeID,
		FormID:      s.Definition.ID,
		NodeID:      s.SelectedNodeID,
		ID:          s.RecordID,
		FieldValues: Normalize(s.Definition, s.Values),
		Files:       s.Snapshot().Files,
		Assignees:   model.CloneAssignees(s.Assignees),
		Comment:     s.Comment,
	}
}

// Input returns the values and files to validate.
func (s *Session) Input() Input {
	snap := s.Snapshot()
	return Input{Values: snap.Values, Files: snap.Files, Stored: snap.Stored}
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() *Session {
	out := *s
	out.Values = copyValues(s.Values)
	out.Stored = make(map[string]int, len(s.Stored))
	for k, v := range s.Stored {
		out.Stored[k] = v
	}
	out.Files = make([]model.Attachment, len(s.Files))
	for i, f := range s.Files {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		f.Data = data
		out.Files[i] = f
	}
	out.Assignees = model.CloneAssignees(s.Assignees)
	return &out
}

func (s *Session) slot(name string) (model.AttachmentSlot, bool) {
	if slot, ok := s.Definition.Slot(name); ok {
		return slot, true
	}
	if f, ok := s.Definition.Field(name); ok && f.Kind.Normalize() == model.FieldAttachment {
		return model.AttachmentSlot{Name: f.Name, Label: f.Label, Required: f.Required, Multiple: f.Multiple}, true
	}
	return model.AttachmentSlot{}, false
}

func (s *Session) dropSlot(name string) {
	kept := s.Files[:0]
	for _, f := range s.Files {
		if f.Slot != name {
			kept = append(kept, f)
		}
	}
	s.Files = kept
}

func (s *Session) touch() {
	s.Version++
	s.UpdatedAt = time.Now().UTC()
}

// SessionStore keeps sessions in memory, dropping those idle longer than
// the configured TTL.
type SessionStore struct {
	mu sync.Mutex
	c  *ttlcache.Cache[string, *Session]
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(cfg config.SessionsConfig) *SessionStore {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = 50000
	}
	return &SessionStore{
		c: ttlcache.New(
			ttlcache.WithCapacity[string, *Session](uint64(size)),
			ttlcache.WithTTL[string, *Session](ttl),
		),
	}
}

// Start runs expiry cleanup until ctx is done.
func (st *SessionStore) Start(ctx context.Context) {
	go st.c.Start()
	<-ctx.Done()
	st.c.Stop()
}

// Open returns a snapshot of the session for key, creating it with create
// when absent.
func (st *SessionStore) Open(key string, create func() *Session) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if item := st.c.Get(key); item != nil {
		return item.Value().Snapshot()
	}
	s := create()
	s.Key = key
	st.c.Set(key, s, ttlcache.DefaultTTL)
	return s.Snapshot()
}

// Get returns a snapshot of the session for key.
func (st *SessionStore) Get(key string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	item := st.c.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value().Snapshot(), true
}

// Update applies fn to a working copy of the session and stores it only
// when fn succeeds, so a failing fn leaves the stored session untouched.
func (st *SessionStore) Update(key string, fn func(*Session) error) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	item := st.c.Get(key)
	if item == nil {
		return nil, model.NewNotFoundError("no open form session; load the form first")
	}
	work := item.Value().Snapshot()
	if err := fn(work); err != nil {
		return nil, err
	}
	st.c.Set(key, work, ttlcache.DefaultTTL)
	return work.Snapshot(), nil
}

// Delete drops the session for key.
func (st *SessionStore) Delete(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.c.Delete(key)
}

// Len returns the number of open sessions.
func (st *SessionStore) Len() int {
	return st.c.Len()
}
