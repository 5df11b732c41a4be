package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/provider/mock"
	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/ratelimit"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

type testEnv struct {
	server  *Server
	queue   *queue.Queue[json.RawMessage, provider.Chunk]
	tracker *ratelimit.Tracker
	handler http.Handler
}

func newTestEnv(t *testing.T, exec queue.ExecuteFunc[json.RawMessage, provider.Chunk]) *testEnv {
	t.Helper()
	tracker := ratelimit.NewTracker()
	cfg := queue.DefaultConfig()
	cfg.MaxQueueSize = 2
	q := queue.New(cfg, exec, queue.Options[json.RawMessage, provider.Chunk]{Tracker: tracker})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("queue start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})

	s := NewServer(q, tracker, "", nil)
	return &testEnv{server: s, queue: q, tracker: tracker, handler: s.Routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func blockingExec(ctx context.Context, job queue.Job[json.RawMessage]) (stream.Stream[provider.Chunk], error) {
	ch := make(chan stream.Item[provider.Chunk])
	return stream.FromChannel(ch, nil), nil
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, blockingExec)
	w := env.do(t, http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("expected X-Trace-ID header")
	}
}

func TestSecureHeaders(t *testing.T) {
	handler := withSecureHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	expectedHeaders := map[string]string{
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store",
	}
	for key, expected := range expectedHeaders {
		if got := w.Header().Get(key); got != expected {
			t.Errorf("Header %s: expected %q, got %q", key, expected, got)
		}
	}
}

func TestEnqueue_WaitReturnsOutput(t *testing.T) {
	p := mock.New("mock", mock.Config{Chunks: 3, Seed: 1})
	env := newTestEnv(t, mock.Execute[json.RawMessage](p))

	w := env.do(t, http.MethodPost, "/v1/requests", EnqueueRequest{
		ID:       "r1",
		Provider: "mock",
		Priority: "high",
		Payload:  json.RawMessage(`{"prompt":"hi"}`),
		Wait:     true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("enqueue = %d %s", w.Code, w.Body.String())
	}
	resp := decode[RequestResponse](t, w)
	if resp.Status != queue.StatusCompleted || resp.Priority != queue.PriorityHigh {
		t.Errorf("response = %+v", resp)
	}
	if resp.Output != "r1:0 r1:1 r1:2 " {
		t.Errorf("output = %q", resp.Output)
	}

	// The mock reported its window on completion.
	w = env.do(t, http.MethodGet, "/v1/providers", nil)
	states := decode[[]ProviderState](t, w)
	if len(states) != 1 || states[0].Provider != "mock" || states[0].RequestsRemaining != 59 {
		t.Errorf("providers = %+v", states)
	}

	w = env.do(t, http.MethodGet, "/v1/stats", nil)
	if stats := decode[queue.Stats](t, w); stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t, blockingExec)

	tests := []struct {
		name string
		body any
		code int
		err  string
	}{
		{"missing provider", EnqueueRequest{}, http.StatusBadRequest, "missing_required_fields"},
		{"bad priority", EnqueueRequest{Provider: "p", Priority: "urgent"}, http.StatusBadRequest, "invalid_priority"},
		{"bad timeout", EnqueueRequest{Provider: "p", Timeout: "soon"}, http.StatusBadRequest, "invalid_timeout"},
		{"bad json", "not an object", http.StatusBadRequest, "invalid_json_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/v1/requests", tt.body)
			if w.Code != tt.code {
				t.Fatalf("code = %d; want %d (%s)", w.Code, tt.code, w.Body.String())
			}
			if got := decode[ErrorResponse](t, w); got.Error != tt.err {
				t.Errorf("error = %q; want %q", got.Error, tt.err)
			}
		})
	}
}

func TestEnqueue_FullAndDuplicate(t *testing.T) {
	env := newTestEnv(t, blockingExec)

	if w := env.do(t, http.MethodPost, "/v1/requests", EnqueueRequest{ID: "a", Provider: "p"}); w.Code != http.StatusAccepted {
		t.Fatalf("first enqueue = %d %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/v1/requests", EnqueueRequest{ID: "a", Provider: "p"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate enqueue = %d; want 409", w.Code)
	}
	env.do(t, http.MethodPost, "/v1/requests", EnqueueRequest{ID: "b", Provider: "p"})
	if w := env.do(t, http.MethodPost, "/v1/requests", EnqueueRequest{ID: "c", Provider: "p"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("enqueue over capacity = %d; want 429", w.Code)
	}
}

func TestCancelAndGet(t *testing.T) {
	env := newTestEnv(t, blockingExec)
	env.tracker.RecordRejection("p", time.Hour) // keep the request pending

	env.do(t, http.MethodPost, "/v1/requests", EnqueueRequest{ID: "x", Provider: "p", Priority: "low"})

	w := env.do(t, http.MethodGet, "/v1/requests/x", nil)
	if got := decode[RequestResponse](t, w); got.Status != queue.StatusPending {
		t.Errorf("status = %s; want pending", got.Status)
	}

	w = env.do(t, http.MethodDelete, "/v1/requests/x", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("cancel = %d %s", w.Code, w.Body.String())
	}
	if got := decode[RequestResponse](t, w); got.Status != queue.StatusCancelled {
		t.Errorf("status after cancel = %s; want cancelled", got.Status)
	}

	if w := env.do(t, http.MethodDelete, "/v1/requests/x", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel = %d; want 409", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/v1/requests/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d; want 404", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/v1/requests/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("get unknown = %d; want 404", w.Code)
	}

	w = env.do(t, http.MethodGet, "/v1/requests?status=cancelled", nil)
	if list := decode[[]queue.Snapshot](t, w); len(list) != 1 || list[0].ID != "x" {
		t.Errorf("list = %+v", list)
	}

	w = env.do(t, http.MethodPost, "/v1/admin/prune", map[string]string{"retention": "0s"})
	if got := decode[PruneResponse](t, w); got.PrunedCount != 1 {
		t.Errorf("prune = %+v", got)
	}
	if w := env.do(t, http.MethodGet, "/v1/requests/x", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after prune = %d; want 404", w.Code)
	}
}

func TestProviderEndpoints(t *testing.T) {
	env := newTestEnv(t, blockingExec)

	w := env.do(t, http.MethodGet, "/v1/providers/openai/wait", nil)
	if got := decode[WaitResponse](t, w); !got.Ready || got.WaitMs != 0 || got.Reason != ratelimit.ReasonOK {
		t.Errorf("wait for unknown provider = %+v", got)
	}

	w = env.do(t, http.MethodPost, "/v1/providers/openai/rejection", RejectionRequest{RetryAfter: "30s"})
	got := decode[WaitResponse](t, w)
	if got.Ready || got.Reason != ratelimit.ReasonCooldown || got.WaitMs <= 29000 {
		t.Errorf("after rejection = %+v", got)
	}

	if w := env.do(t, http.MethodPost, "/v1/providers/openai/rejection", RejectionRequest{RetryAfter: "-1s"}); w.Code != http.StatusBadRequest {
		t.Errorf("negative retry_after = %d; want 400", w.Code)
	}

	if w := env.do(t, http.MethodDelete, "/v1/providers/openai", nil); w.Code != http.StatusNoContent {
		t.Errorf("reset = %d; want 204", w.Code)
	}
	w = env.do(t, http.MethodGet, "/v1/providers/openai/wait", nil)
	if got := decode[WaitResponse](t, w); !got.Ready {
		t.Errorf("after reset = %+v", got)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, blockingExec)
	env.server.SetAuthToken("secret")
	handler := env.server.Routes()

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad format", "Token secret", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Errorf("code = %d; want %d", w.Code, tt.code)
			}
		})
	}

	// Health stays public.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health with auth = %d; want 200", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	env := newTestEnv(t, blockingExec)
	handler := env.server.withRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("code = %d; want 500", w.Code)
	}
}

func TestOutputResetsOnNewAttempt(t *testing.T) {
	b := newOutputs().open()
	b.append(provider.Chunk{Index: 0, Text: "a"})
	b.append(provider.Chunk{Index: 1, Text: "b"})
	b.append(provider.Chunk{Index: 0, Text: "c"})
	b.append(provider.Chunk{Index: 1, Text: "d"})

	o := newOutputs()
	o.bind("x", b)
	if got := o.text("x"); got != "cd" {
		t.Errorf("text = %q; want cd", got)
	}
}
