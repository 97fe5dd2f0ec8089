package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIncludesInternal(t *testing.T) {
	internal := stdErrors.New("boom")
	err := Wrap(internal, "failed")

	if err.Error() != "failed: boom" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
	if !stdErrors.Is(err, internal) {
		t.Fatal("expected wrapped error to unwrap to internal")
	}
}

func TestWithInternalCopies(t *testing.T) {
	base := New("TEST", "test", 400)
	with := base.WithInternal(stdErrors.New("oops"))

	if with == base {
		t.Fatal("expected WithInternal to return a copy")
	}
	if base.Internal != nil {
		t.Fatal("expected original error to remain unchanged")
	}
	if with.Internal == nil {
		t.Fatal("expected internal error to be set")
	}
}

func TestDeriveMatchesKind(t *testing.T) {
	roleMissing := Derive(ErrNotFound, "ROLE_NOT_FOUND", "Role not found")

	if roleMissing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", roleMissing.StatusCode)
	}

	wrapped := fmt.Errorf("lookup: %w", roleMissing)
	if !IsKind(wrapped, ErrNotFound) {
		t.Fatal("expected derived error to match its kind")
	}
	if !stdErrors.Is(wrapped, roleMissing) {
		t.Fatal("expected derived error to match itself")
	}
	if IsKind(wrapped, ErrValidation) {
		t.Fatal("did not expect derived error to match another kind")
	}
}

func TestFromError(t *testing.T) {
	appErr := ErrNotFound
	if out := FromError(appErr); out != appErr {
		t.Fatal("expected FromError to return the same AppError instance")
	}

	raw := stdErrors.New("raw")
	out := FromError(raw)
	if out.Code != ErrInternalServer.Code {
		t.Fatalf("expected internal server code, got %s", out.Code)
	}
	if out.Internal == nil {
		t.Fatal("expected internal error to be attached")
	}
}

func TestNewValidationAndUnavailable(t *testing.T) {
	v := NewValidation("level must be positive")
	if v.Message != "level must be positive" || v.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected validation error %+v", v)
	}
	if !IsKind(v, ErrValidation) {
		t.Fatal("expected validation kind")
	}

	u := NewUnavailable(stdErrors.New("timeout"))
	if !IsKind(u, ErrUnavailable) || u.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected unavailable error %+v", u)
	}
}
