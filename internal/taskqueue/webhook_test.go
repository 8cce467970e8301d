package taskqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"QuantDesk/internal/execution"
)

func TestWebhookNotifierPostsResult(t *testing.T) {
	received := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(2 * time.Second)
	task := &Task{
		ID:           "t1",
		CapabilityID: "echo",
		Status:       execution.StatusCompleted,
		Result:       map[string]any{"ok": true},
		RetryCount:   1,
		MaxRetries:   3,
		StartedAt:    1000,
		CompletedAt:  1500,
		WebhookURL:   server.URL,
	}
	notifier.Notify(context.Background(), task, false)

	select {
	case payload := <-received:
		if payload.TaskID != "t1" || payload.Status != "completed" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		if payload.WillRetry {
			t.Fatal("will_retry must be false for terminal notification")
		}
		if payload.DurationMS != 500 {
			t.Fatalf("expected duration 500ms, got %f", payload.DurationMS)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	notifier := NewWebhookNotifier(200 * time.Millisecond)
	task := &Task{
		ID:         "t2",
		Status:     execution.StatusFailed,
		WebhookURL: "http://127.0.0.1:1/unreachable",
	}
	// 目标不可达时不得 panic 或阻塞调用方。
	notifier.Notify(context.Background(), task, true)
}

func TestWebhookNotifierSkipsWithoutURL(t *testing.T) {
	notifier := NewWebhookNotifier(time.Second)
	notifier.Notify(context.Background(), &Task{ID: "t3"}, false)
	notifier.Notify(context.Background(), nil, false)
}
