package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.GlobalEnabled {
		t.Error("Expected global rate limiting to be enabled by default")
	}
	if cfg.GlobalLimit != 1000 {
		t.Errorf("Expected global limit 1000, got %d", cfg.GlobalLimit)
	}
	if !cfg.PerIPEnabled {
		t.Error("Expected per-IP rate limiting to be enabled by default")
	}
	if cfg.PerIPLimit != 120 {
		t.Errorf("Expected per-IP limit 120, got %d", cfg.PerIPLimit)
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 50; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	cfg := Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  time.Minute,
	}
	handler := GlobalLimiter(cfg)(okHandler())

	var limited int
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited++

			if w.Header().Get("Retry-After") != "60" {
				t.Errorf("Expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
			}
			var resp rateLimitResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Bad limit response: %v", err)
			}
			if resp.Error != "rate_limit_exceeded" {
				t.Errorf("Unexpected error field %q", resp.Error)
			}
		}
	}
	if limited != 5 {
		t.Errorf("Expected 5 limited requests, got %d", limited)
	}
}

func TestIPLimiter_KeysByIP(t *testing.T) {
	cfg := Config{
		PerIPEnabled: true,
		PerIPLimit:   3,
		PerIPWindow:  time.Minute,
	}
	handler := IPLimiter(cfg)(okHandler())

	send := func(ip string) int {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = ip + ":12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		if code := send("10.0.0.1"); code != http.StatusOK {
			t.Fatalf("Request %d from first IP: expected 200, got %d", i, code)
		}
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 for exhausted IP, got %d", code)
	}
	// A different IP has its own budget
	if code := send("10.0.0.2"); code != http.StatusOK {
		t.Errorf("Expected 200 for fresh IP, got %d", code)
	}
}
