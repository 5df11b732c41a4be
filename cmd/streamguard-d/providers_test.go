package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rmax-ai/streamguard/pkg/queue"
	"github.com/rmax-ai/streamguard/pkg/stream"
)

func TestRegistry_ExecuteMock(t *testing.T) {
	r := newRegistry([]ProviderConfig{{ID: "sim", Type: "mock", Chunks: 2}})
	if len(r.probers()) != 1 {
		t.Fatalf("probers = %d", len(r.probers()))
	}

	job := queue.Job[json.RawMessage]{ID: "r1", Provider: "sim"}
	s, err := r.execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	chunks, err := stream.Collect(s)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "r1:0 " {
		t.Errorf("chunks = %+v", chunks)
	}

	resumed, err := r.recoverStream(context.Background(), "r1", job)
	if err != nil || resumed == nil {
		t.Fatalf("mock streams should be resumable: %v", err)
	}
	resumed.Close()
}

func TestRegistry_ExecuteOpenAI(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewDecoder(req.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	r := newRegistry([]ProviderConfig{{ID: "oa", Type: "openai", APIKey: "sk", BaseURL: srv.URL}})
	job := queue.Job[json.RawMessage]{
		ID:       "r1",
		Provider: "oa",
		Payload:  json.RawMessage(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`),
	}
	s, err := r.execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	chunks, err := stream.Collect(s)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "hi" {
		t.Errorf("chunks = %+v", chunks)
	}
	if body["model"] != "gpt-4o-mini" || body["stream"] != true {
		t.Errorf("request body = %v", body)
	}

	if resumed, err := r.recoverStream(context.Background(), "r1", job); err != nil || resumed != nil {
		t.Errorf("openai streams are not resumable, got %v, %v", resumed, err)
	}

	job.Payload = json.RawMessage(`not json`)
	if _, err := r.execute(context.Background(), job); err == nil {
		t.Error("expected decode error")
	}
	job.Provider = "missing"
	if _, err := r.execute(context.Background(), job); err == nil {
		t.Error("expected unknown provider error")
	}
}
