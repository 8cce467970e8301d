package quantdesk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExecute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/executions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.CapabilityID != "echo" || req.Async {
			t.Errorf("unexpected request payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Envelope{
			Success:     true,
			Data:        map[string]any{"k": "v"},
			ExecutionID: "exec-1",
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	env, err := client.Execute(context.Background(), ExecuteRequest{
		CapabilityID: "echo",
		Input:        map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !env.Success || env.ExecutionID != "exec-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestEnqueueAndWait(t *testing.T) {
	var polls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: "queued"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/task-1":
			polls++
			status := "running"
			if polls >= 2 {
				status = "completed"
			}
			_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status, Result: "done"})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	task, err := client.Enqueue(context.Background(), EnqueueRequest{
		CapabilityID: "echo",
		Config:       TaskConfig{Priority: "high", MaxRetries: 2},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ID != "task-1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	final, err := client.WaitForTask(context.Background(), "task-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != "completed" || final.Result != "done" {
		t.Fatalf("unexpected final task: %+v", final)
	}
}

func TestCancelTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/task-9/cancel" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"cancelled": true})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	cancelled, err := client.CancelTask(context.Background(), "task-9")
	if err != nil || !cancelled {
		t.Fatalf("unexpected cancel result: %v err=%v", cancelled, err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "能力 missing 未注册"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Enqueue(context.Background(), EnqueueRequest{CapabilityID: "missing"})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message == "" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestTaskTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		"queued":    false,
		"running":   false,
		"retry":     false,
		"completed": true,
		"failed":    true,
		"timeout":   true,
		"cancelled": true,
	} {
		if got := (Task{Status: status}).Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
