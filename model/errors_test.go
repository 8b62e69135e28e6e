package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Record not found"}
	want := "NOT_FOUND: Record not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "subject", Code: "REQUIRED", Message: "Subject is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "subject" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "subject")
	}
}

func TestNewBusinessError(t *testing.T) {
	e := NewBusinessError(400, "Số hiệu văn bản đã tồn tại")
	if e.Code != ErrBusinessError {
		t.Errorf("Code = %q, want %q", e.Code, ErrBusinessError)
	}
	if e.UpstreamStatus != 400 {
		t.Errorf("UpstreamStatus = %d, want 400", e.UpstreamStatus)
	}
	if e.Message != "Số hiệu văn bản đã tồn tại" {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestNewBusinessError_defaultMessage(t *testing.T) {
	e := NewBusinessError(409, "")
	if e.Message == "" {
		t.Error("Message is empty, want a default")
	}
}

func TestAsEnvelope_wrapped(t *testing.T) {
	err := fmt.Errorf("create record: %w", NewBackendTimeoutError())
	ee, ok := AsEnvelope(err)
	if !ok {
		t.Fatal("AsEnvelope = false, want true")
	}
	if ee.Code != ErrBackendTimeout {
		t.Errorf("Code = %q, want %q", ee.Code, ErrBackendTimeout)
	}
	if !HasCode(err, ErrBackendTimeout) {
		t.Error("HasCode(BACKEND_TIMEOUT) = false, want true")
	}
	if HasCode(err, ErrNotFound) {
		t.Error("HasCode(NOT_FOUND) = true, want false")
	}
}

func TestAsEnvelope_plainError(t *testing.T) {
	if _, ok := AsEnvelope(fmt.Errorf("boom")); ok {
		t.Error("AsEnvelope(plain) = true, want false")
	}
}

func TestSigningErrors(t *testing.T) {
	if e := NewSigningUnavailableError(); e.Code != ErrSigningUnavailable {
		t.Errorf("Code = %q, want %q", e.Code, ErrSigningUnavailable)
	}
	if e := NewSigningFailedError("token locked"); e.Code != ErrSigningFailed || e.Message != "token locked" {
		t.Errorf("got %+v", e)
	}
}
