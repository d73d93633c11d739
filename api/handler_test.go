package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/limiter"
)

func newTestHandler(t *testing.T, clock clockwork.Clock, rate core.Rate) (http.Handler, *limiter.Limiter) {
	t.Helper()
	l, err := limiter.New(limiter.WithClock(clock), limiter.WithDefaults(rate))
	if err != nil {
		t.Fatalf("limiter.New() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Stop(context.Background()) })
	return NewHandler(l, nil).Routes(), l
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAcquire_GrantsThenDenies(t *testing.T) {
	h, _ := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 2, Burst: 3})

	for i := 0; i < 3; i++ {
		w := doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "gmail-api"})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
		var resp AcquireResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if !resp.Granted {
			t.Errorf("request %d should be granted", i)
		}
	}

	// A denial is data, not an error
	w := doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "gmail-api"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp AcquireResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Granted {
		t.Error("Request should be denied")
	}
	if resp.WaitMs != 500 {
		t.Errorf("WaitMs = %d, want 500", resp.WaitMs)
	}
	if resp.Limit != 2 || resp.Burst != 3 {
		t.Errorf("rate = (%v, %d), want (2, 3)", resp.Limit, resp.Burst)
	}
}

func TestAcquire_Tokens(t *testing.T) {
	h, _ := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 10})

	n := int64(4)
	w := doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "drive-api", Tokens: &n})

	var resp AcquireResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Granted || resp.Tokens != 6 {
		t.Errorf("got granted=%v tokens=%v, want granted with 6 left", resp.Granted, resp.Tokens)
	}
}

func TestAcquire_ReplaysRequestID(t *testing.T) {
	h, l := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 10})

	body := AcquireRequest{Key: "gmail-api", RequestID: "req-1"}
	doJSON(t, h, http.MethodPost, "/v1/acquire", body)
	w := doJSON(t, h, http.MethodPost, "/v1/acquire", body)

	var resp AcquireResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Replayed {
		t.Error("second request with the same requestId should be replayed")
	}

	state, _ := l.Snapshot(context.Background(), "gmail-api")
	if state.Tokens != 9 {
		t.Errorf("Tokens = %v, want 9", state.Tokens)
	}
}

func TestAcquire_BadRequests(t *testing.T) {
	h, _ := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 10})
	zero := int64(0)

	tests := []struct {
		name string
		body any
		code string
	}{
		{name: "missing key", body: AcquireRequest{}, code: "missing_key"},
		{name: "zero tokens", body: AcquireRequest{Key: "gmail-api", Tokens: &zero}, code: "invalid_argument"},
		{name: "not an object", body: []int{1}, code: "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/v1/acquire", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			var resp ErrorResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Error != tt.code {
				t.Errorf("Error = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

func TestSetRate_ConvertsPerMinute(t *testing.T) {
	h, l := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 10, Burst: 100})

	w := doJSON(t, h, http.MethodPut, "/v1/buckets/gmail-api/rate", SetRateRequest{NewLimit: 60, NewBurst: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp BucketResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Limit != 1.0 {
		t.Errorf("Limit = %v tokens/second, want 1", resp.Limit)
	}
	if resp.LimitPerMinute != 60 {
		t.Errorf("LimitPerMinute = %v, want 60", resp.LimitPerMinute)
	}
	if resp.Tokens != 5 {
		t.Errorf("Tokens = %v, want clamped to 5", resp.Tokens)
	}

	state, _ := l.Snapshot(context.Background(), "gmail-api")
	if state.Limit != 1.0 {
		t.Errorf("stored Limit = %v, want 1", state.Limit)
	}
}

func TestSetRate_RejectsInvalidRate(t *testing.T) {
	h, _ := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 10, Burst: 100})

	w := doJSON(t, h, http.MethodPut, "/v1/buckets/gmail-api/rate", SetRateRequest{NewLimit: 0, NewBurst: 5})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestGetBucket_RefillsOnRead(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h, _ := newTestHandler(t, clock, core.Rate{Limit: 1, Burst: 5})

	n := int64(5)
	doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "gmail-api", Tokens: &n})
	clock.Advance(2 * time.Second)

	w := doJSON(t, h, http.MethodGet, "/v1/buckets/gmail-api", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp BucketResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Tokens != 2 {
		t.Errorf("Tokens = %v, want 2", resp.Tokens)
	}
	if !resp.LastRefillAt.Equal(clock.Now()) {
		t.Errorf("LastRefillAt = %v, want %v", resp.LastRefillAt, clock.Now())
	}
}

func TestListBuckets(t *testing.T) {
	h, _ := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 5})

	doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "gmail-api"})
	doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "calendar-api"})

	w := doJSON(t, h, http.MethodGet, "/v1/buckets", nil)

	var resp ListResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Buckets) != 2 {
		t.Fatalf("len(Buckets) = %d, want 2", len(resp.Buckets))
	}
	if resp.Buckets[0].Key != "calendar-api" || resp.Buckets[1].Key != "gmail-api" {
		t.Errorf("keys = [%s %s], want sorted", resp.Buckets[0].Key, resp.Buckets[1].Key)
	}
}

func TestStoppedLimiterIsUnavailable(t *testing.T) {
	h, l := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 5})
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	w := doJSON(t, h, http.MethodPost, "/v1/acquire", AcquireRequest{Key: "gmail-api"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, clockwork.NewFakeClock(), core.Rate{Limit: 1, Burst: 5})

	w := doJSON(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
}
