package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
)

type memberBody struct {
	Name string `json:"name" validate:"required,max=5"`
	Kind string `json:"kind" validate:"required,oneof=direct group"`
}

func TestDecodeJSONBodyReportsFieldsByJSONName(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"toolongname","kind":"other"}`))
	var body memberBody
	err := DecodeJSONBody(req, &body)
	if !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := pkgerrors.As(err).Details().(map[string]string)
	if !ok {
		t.Fatalf("unexpected details %T", pkgerrors.As(err).Details())
	}
	if details["name"] != "must be at most 5" {
		t.Fatalf("unexpected name message %q", details["name"])
	}
	if details["kind"] != "must be one of [direct group]" {
		t.Fatalf("unexpected kind message %q", details["kind"])
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","kind":"group","extra":1}`))
	var body memberBody
	if err := DecodeJSONBody(req, &body); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeJSONBodyRejectsMalformedBodies(t *testing.T) {
	cases := map[string]struct {
		body    string
		message string
	}{
		"empty":      {body: "", message: "request body required"},
		"trailing":   {body: `{"name":"a","kind":"group"} {}`, message: "request body must be a single JSON object"},
		"too large":  {body: `{"name":"` + strings.Repeat("a", maxBodyBytes) + `"}`, message: "request body too large"},
		"wrong type": {body: `{"name":7,"kind":"group"}`, message: "invalid request body"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var body memberBody
			err := DecodeJSONBody(req, &body)
			typed := pkgerrors.As(err)
			if typed == nil || typed.Code() != pkgerrors.CodeValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if typed.Message() != tc.message {
				t.Fatalf("expected %q, got %q", tc.message, typed.Message())
			}
		})
	}
}

func TestDecodeJSONBodyNamesMistypedField(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":7,"kind":"group"}`))
	var body memberBody
	details, _ := pkgerrors.As(DecodeJSONBody(req, &body)).Details().(map[string]string)
	if details["name"] != "must be a string" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestParseUUIDParam(t *testing.T) {
	id := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rc := chi.NewRouteContext()
	rc.URLParams.Add("ledgerId", id.String())
	rc.URLParams.Add("eventId", "nope")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))

	got, err := ParseUUIDParam(req, "ledgerId")
	if err != nil || got != id {
		t.Fatalf("expected %s, got %s (%v)", id, got, err)
	}
	if _, err := ParseUUIDParam(req, "eventId"); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ParseUUIDParam(req, "missing"); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for missing param, got %v", err)
	}
}

func TestSanitizeStringCollapsesWhitespaceAndCapsRunes(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"  Alex  ", 10, "Alex"},
		{"Sam\t  Lee", 20, "Sam Lee"},
		{"Zoë Zoë Zoë", 5, "Zoë Z"},
		{"ab cd", 3, "ab"},
		{"   ", 10, ""},
	}
	for _, tc := range cases {
		if got := SanitizeString(tc.in, tc.max); got != tc.want {
			t.Fatalf("SanitizeString(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestParseQueryCursor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?cursor=%25%25", nil)
	if _, err := ParseQueryCursor(req, "cursor"); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	got, err := ParseQueryCursor(req, "cursor")
	if err != nil || got != "" {
		t.Fatalf("expected empty cursor, got %q %v", got, err)
	}
}
