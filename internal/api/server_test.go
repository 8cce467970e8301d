package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"QuantDesk/internal/capability"
	"QuantDesk/internal/execution"
	"QuantDesk/internal/taskqueue"
)

func newTestServer(t *testing.T) (*httptest.Server, *taskqueue.Service) {
	t.Helper()
	registry := capability.NewRegistry()
	registry.MustRegister(capability.Descriptor{
		ID:          "echo",
		Description: "echo back",
		Handler: capability.HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
			return input, nil
		}),
		Timeout: 5 * time.Second,
	})

	service := taskqueue.NewService(registry, taskqueue.NewMemoryStore(), taskqueue.NewMemoryBroker())
	orchestrator := execution.NewOrchestrator(registry, execution.WithRunSet(service.Runs()))
	server := NewServer(":0", registry, orchestrator, service)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = service.Close() })
	return ts, service
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/executions", map[string]any{
		"capability_id": "echo",
		"input":         map[string]any{"k": "v"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var env execution.Envelope
	decodeJSON(t, resp, &env)
	if !env.Success || env.ExecutionID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	// 未注册能力折叠进信封，HTTP 层面仍是 200。
	resp = postJSON(t, ts.URL+"/api/v1/executions", map[string]any{"capability_id": "missing"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &env)
	if env.Success || env.ErrorType != "NOT_FOUND" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestExecuteAsyncEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/executions", map[string]any{
		"capability_id": "echo",
		"async":         true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var record execution.Result
	decodeJSON(t, resp, &record)
	if record.ExecutionID == "" {
		t.Fatal("async response must carry execution id")
	}

	// 轮询直到终态。
	deadline := time.Now().Add(2 * time.Second)
	for {
		getResp, err := http.Get(ts.URL + "/api/v1/executions/" + record.ExecutionID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		var status execution.Result
		decodeJSON(t, getResp, &status)
		if status.Status.Terminal() {
			if status.Status != execution.StatusCompleted {
				t.Fatalf("expected completed, got %s", status.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("async execution never finished, status=%s", status.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTaskEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", map[string]any{
		"capability_id": "echo",
		"input":         map[string]any{"k": "v"},
		"config":        map[string]any{"priority": "high"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var task taskqueue.Task
	decodeJSON(t, resp, &task)
	if task.ID == "" || task.Status != execution.StatusQueued || task.Priority != taskqueue.PriorityHigh {
		t.Fatalf("unexpected task: %+v", task)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/tasks/" + task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	var fetched taskqueue.Task
	decodeJSON(t, getResp, &fetched)
	if fetched.ID != task.ID {
		t.Fatalf("unexpected fetched task: %+v", fetched)
	}

	// 未知任务同样 200，响应体是合成的失败记录。
	getResp, err = http.Get(ts.URL + "/api/v1/tasks/unknown-id")
	if err != nil {
		t.Fatalf("get unknown task: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", getResp.StatusCode)
	}
	decodeJSON(t, getResp, &fetched)
	if fetched.Status != execution.StatusFailed || fetched.Error != "Task not found" {
		t.Fatalf("unexpected synthesized record: %+v", fetched)
	}

	cancelResp := postJSON(t, ts.URL+"/api/v1/tasks/"+task.ID+"/cancel", struct{}{})
	var cancelOut struct {
		Cancelled bool `json:"cancelled"`
	}
	decodeJSON(t, cancelResp, &cancelOut)
	if !cancelOut.Cancelled {
		t.Fatal("expected cancel to succeed")
	}

	statsResp, err := http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats taskqueue.Stats
	decodeJSON(t, statsResp, &stats)
	if stats.Total != 1 || stats.Cancelled != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEnqueueUnknownCapabilityReturns404(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/tasks", map[string]any{"capability_id": "missing"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestListCapabilities(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/capabilities")
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	var out struct {
		Capabilities []struct {
			ID          string `json:"id"`
			Description string `json:"description"`
		} `json:"capabilities"`
	}
	decodeJSON(t, resp, &out)
	if len(out.Capabilities) != 1 || out.Capabilities[0].ID != "echo" {
		t.Fatalf("unexpected capabilities: %+v", out.Capabilities)
	}
}
