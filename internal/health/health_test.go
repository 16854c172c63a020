package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (int, result, http.Header) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, body, rec.Header()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "broken", Check: func(context.Context) error { return errors.New("down") }}})

	code, body, hdr := serve(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %+v, want 200 ok", code, body)
	}
	if ct := hdr.Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body.Checks != nil {
		t.Errorf("liveness must not run checks, got %v", body.Checks)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: nil,
		},
		{
			name:       "all pass",
			checkers:   []Checker{Ping("memory", pinger{}), Available("live", func() bool { return true }, ErrUnavailable)},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"memory": "ok", "live": "ok"},
		},
		{
			name:       "one fails",
			checkers:   []Checker{Ping("memory", pinger{err: errors.New("connection refused")}), Ping("other", pinger{})},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"memory": "fail: connection refused", "other": "ok"},
		},
		{
			name:       "unavailable",
			checkers:   []Checker{Available("live", func() bool { return false }, errors.New("all circuits open"))},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"live": "fail: all circuits open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body, _ := serve(t, New(tt.checkers), "/readyz")
			if code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, body.Status, tt.wantCode, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Fatalf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("checks[%q] = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	var running atomic.Int32
	both := make(chan struct{})
	check := func(ctx context.Context) error {
		if running.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New([]Checker{{Name: "a", Check: check}, {Name: "b", Check: check}}, WithTimeout(2*time.Second))

	if code, body, _ := serve(t, h, "/readyz"); code != http.StatusOK {
		t.Fatalf("got %d %+v; checks did not overlap", code, body)
	}
}

func TestReadyz_Timeout(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}, WithTimeout(10*time.Millisecond))

	code, body, _ := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if want := "fail: " + context.DeadlineExceeded.Error(); body.Checks["slow"] != want {
		t.Errorf("checks[slow] = %q, want %q", body.Checks["slow"], want)
	}
}
