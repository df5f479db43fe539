package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		store    Pinger
		cache    Pinger
		want     Status
		wantCode int
	}{
		{name: "all up", store: up, cache: up, want: StatusHealthy, wantCode: http.StatusOK},
		{name: "cache down", store: up, cache: down, want: StatusDegraded, wantCode: http.StatusOK},
		{name: "store down", store: down, cache: up, want: StatusUnhealthy, wantCode: http.StatusServiceUnavailable},
		{name: "store missing", store: nil, cache: up, want: StatusUnhealthy, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("test")
			c.Require("store", tt.store)
			c.Optional("cache", tt.cache)
			c.Stat("live_nodes", func() int { return 3 })

			rec := httptest.NewRecorder()
			c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			var resp Response
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.want {
				t.Errorf("status = %s, want %s", resp.Status, tt.want)
			}
			if len(resp.Components) != 2 {
				t.Errorf("components = %v", resp.Components)
			}
			if resp.Stats["live_nodes"] != 3 {
				t.Errorf("stats = %v", resp.Stats)
			}
			if resp.Version != "test" {
				t.Errorf("version = %q", resp.Version)
			}
		})
	}
}
