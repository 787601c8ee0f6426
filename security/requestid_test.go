package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()

	if len(id) != 22 {
		t.Errorf("request ID length = %d, want 22", len(id))
	}
	if !isValidRequestID(id) {
		t.Errorf("generated request ID %q fails its own validation", id)
	}

	if GenerateRequestID() == id {
		t.Error("GenerateRequestID() returned duplicate IDs")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")

	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc123", true},
		{"req-id_42", true},
		{"", false},
		{"has space", false},
		{"newline\ninjection", false},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		if got := isValidRequestID(tt.id); got != tt.want {
			t.Errorf("isValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var gotID string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = GetRequestID(r.Context())
	}))

	t.Run("generates when missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if gotID == "" {
			t.Error("no request ID in context")
		}
		if w.Header().Get(RequestIDHeader) != gotID {
			t.Error("response header does not match context request ID")
		}
	})

	t.Run("preserves valid upstream ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "upstream-id-42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if gotID != "upstream-id-42" {
			t.Errorf("request ID = %q, want upstream ID preserved", gotID)
		}
	})

	t.Run("replaces invalid upstream ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "bad id\nwith newline")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if gotID == "bad id\nwith newline" {
			t.Error("invalid upstream request ID was preserved")
		}
		if gotID == "" {
			t.Error("no replacement request ID generated")
		}
	})
}
