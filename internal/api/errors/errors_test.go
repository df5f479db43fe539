package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  *APIError
		want int
	}{
		{NewValidationError("bad"), http.StatusBadRequest},
		{NewNotFoundError("missing"), http.StatusNotFound},
		{NewUnauthorizedError("who"), http.StatusUnauthorized},
		{NewForbiddenError("no"), http.StatusForbidden},
		{NewInsufficientFundsError("broke"), http.StatusPaymentRequired},
		{NewInternalError("oops"), http.StatusInternalServerError},
		{New("SOMETHING_ELSE", "?"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.err.HTTPStatusCode(); got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.err.Code, got, tt.want)
		}
	}
}

func TestWithRequestIDCopies(t *testing.T) {
	base := NewNotFoundError("job not found")
	withID := base.WithRequestID("req-1")

	if base.RequestID != "" {
		t.Errorf("original error was modified: %q", base.RequestID)
	}
	if withID.RequestID != "req-1" || withID.Message != base.Message {
		t.Errorf("unexpected copy: %+v", withID)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, NewInsufficientFundsError("balance too low").WithDetails(map[string]any{"required": "1.00"}))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var body APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != CodeInsufficientFunds || body.Details["required"] != "1.00" {
		t.Errorf("unexpected body: %+v", body)
	}
}
