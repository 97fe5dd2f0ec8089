package validator

import (
	"strings"
	"testing"
)

type testPayload struct {
	Name    string   `json:"name" validate:"required,slug"`
	Level   int      `json:"level" validate:"gte=0"`
	Actions []string `json:"actions" validate:"dive,oneof=read create update delete export manage"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testPayload{
		Name:    "property_agent",
		Level:   40,
		Actions: []string{"read", "manage"},
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testPayload{
		Name:    "Property Agent",
		Level:   -1,
		Actions: []string{"read", "launch"},
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(vErrs) != 3 {
		t.Fatalf("expected 3 failures, got %d: %v", len(vErrs), vErrs)
	}

	tags := make([]string, 0, len(vErrs))
	for _, v := range vErrs {
		tags = append(tags, v.Tag)
	}
	joined := strings.Join(tags, ",")
	for _, want := range []string{"slug", "gte", "oneof"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected tag %q in %q", want, joined)
		}
	}
}

func TestIsSlug(t *testing.T) {
	cases := map[string]bool{
		"super_admin":  true,
		"viewer":       true,
		"blog_editor2": true,
		"Super_Admin":  false,
		"1admin":       false,
		"admin-full":   false,
		"":             false,
		"real estate":  false,
	}
	for value, want := range cases {
		if got := IsSlug(value); got != want {
			t.Fatalf("IsSlug(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{{Field: "name", Tag: "required"}, {Field: "level", Tag: "gte", Param: "0"}}
	if got := errs.Error(); got != "name failed on required; level failed on gte=0" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (ValidationErrors{}).Error(); got != "validation failed" {
		t.Fatalf("unexpected empty message %q", got)
	}
}
