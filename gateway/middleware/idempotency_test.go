package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type memoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]IdempotentResponse
}

func (s *memoryIdempotencyStore) Lookup(_ context.Context, key string) (IdempotentResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	return record, ok, nil
}

func (s *memoryIdempotencyStore) Save(_ context.Context, resp IdempotentResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[resp.Key] = resp
	return nil
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store := &memoryIdempotencyStore{records: make(map[string]IdempotentResponse)}
	calls := 0
	handler := WithIdempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"op-1"}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/markets/0xaa/supply", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "abc")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK || res.Body.String() != `{"id":"op-1"}` {
			t.Fatalf("attempt %d: unexpected response %d %q", i, res.Code, res.Body.String())
		}
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/markets/0xaa/borrow", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "abc")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected key reuse on another path to conflict, got %d", res.Code)
	}
}

func TestIdempotencySkipsFailedResponses(t *testing.T) {
	store := &memoryIdempotencyStore{records: make(map[string]IdempotentResponse)}
	calls := 0
	handler := WithIdempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeError(w, http.StatusUnprocessableEntity, "insufficient collateral")
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/markets/0xaa/borrow", nil)
		req.Header.Set("Idempotency-Key", "retry-me")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected failed request to be retried, ran %d times", calls)
	}
	if len(store.records) != 0 {
		t.Fatalf("expected no stored responses, got %d", len(store.records))
	}
}
