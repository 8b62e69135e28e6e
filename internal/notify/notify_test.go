package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/officeflow/model"
)

func TestHub_drainReturnsOldestFirstAndClears(t *testing.T) {
	h := NewHub(10, nil, nil)
	ctx := context.Background()

	h.Notify(ctx, Notification{Recipient: "u1", Level: LevelError, Message: "first"})
	h.Notify(ctx, Notification{Recipient: "u1", Level: LevelSuccess, Message: "second"})
	h.Notify(ctx, Notification{Recipient: "u2", Message: "other"})

	got := h.Drain("u1")
	if len(got) != 2 {
		t.Fatalf("drained = %d, want 2", len(got))
	}
	if got[0].Message != "first" || got[1].Message != "second" {
		t.Errorf("order = %q, %q", got[0].Message, got[1].Message)
	}
	if got[0].Time.IsZero() {
		t.Error("time should be stamped")
	}
	if h.Pending("u1") != 0 {
		t.Error("drain should clear pending notifications")
	}
	if h.Pending("u2") != 1 {
		t.Error("other subjects must be untouched")
	}
}

func TestHub_boundedRing(t *testing.T) {
	h := NewHub(3, nil, nil)
	for i := 0; i < 5; i++ {
		h.Notify(context.Background(), Notification{Recipient: "u1", Message: fmt.Sprint(i)})
	}

	got := h.Drain("u1")
	if len(got) != 3 {
		t.Fatalf("drained = %d, want 3", len(got))
	}
	if got[0].Message != "2" {
		t.Errorf("oldest kept = %q, want 2", got[0].Message)
	}
}

func TestHub_recipientFromRequestContext(t *testing.T) {
	h := NewHub(5, nil, nil)
	rc := &model.RequestContext{TenantID: "acme", SubjectID: "u9"}
	ctx := model.WithRequestContext(context.Background(), rc)

	h.Notify(ctx, Notification{Level: LevelWarning, Message: "x"})

	if got := h.Pending(rc.Recipient()); got != 1 {
		t.Errorf("Pending(%q) = %d, want 1", rc.Recipient(), got)
	}
	if got := h.Pending("globex:u9"); got != 0 {
		t.Errorf("same subject in another tenant sees %d notifications, want 0", got)
	}
}

func TestHub_drainEmptyIsNonNil(t *testing.T) {
	h := NewHub(5, nil, nil)
	if got := h.Drain("nobody"); got == nil || len(got) != 0 {
		t.Errorf("Drain() = %v, want empty non-nil", got)
	}
}

func TestFromError(t *testing.T) {
	n := FromError("u1", fmt.Errorf("wrapped: %w", model.NewBusinessError(409, "Văn bản đã tồn tại")))
	if n.Code != model.ErrBusinessError || n.Message != "Văn bản đã tồn tại" {
		t.Errorf("notification = %+v", n)
	}
	if n.Level != LevelError {
		t.Errorf("level = %q, want error", n.Level)
	}

	plain := FromError("u1", errors.New("boom"))
	if plain.Code != model.ErrInternalError || plain.Message != "boom" {
		t.Errorf("plain = %+v", plain)
	}
}

func TestHub_preservesGivenTime(t *testing.T) {
	h := NewHub(5, nil, nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.Notify(context.Background(), Notification{Recipient: "u1", Time: at})

	if got := h.Drain("u1")[0].Time; !got.Equal(at) {
		t.Errorf("time = %v, want %v", got, at)
	}
}
