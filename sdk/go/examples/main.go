package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"QuantDesk/sdk/go/quantdesk"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(quantdesk.Envelope{
			Success:     true,
			Data:        map[string]any{"symbol": "SPY", "last": 512.33},
			ExecutionID: "exec-demo",
			DurationMS:  12,
		})
	})
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(quantdesk.Task{ID: "task-demo", Status: "queued", Priority: "high"})
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(quantdesk.Task{
			ID:              "task-demo",
			Status:          "completed",
			ProgressPercent: 100,
			Result:          map[string]any{"matches": 17},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := quantdesk.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := client.Execute(ctx, quantdesk.ExecuteRequest{
		CapabilityID: "market.snapshot",
		Input:        map[string]any{"symbol": "SPY"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("sync execution %s succeeded: %v\n", env.ExecutionID, env.Data)

	task, err := client.Enqueue(ctx, quantdesk.EnqueueRequest{
		CapabilityID: "screener.momentum",
		Input:        map[string]any{"universe": "sp500"},
		Config:       quantdesk.TaskConfig{Priority: "high", MaxRetries: 2},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s enqueued with status %s\n", task.ID, task.Status)

	final, err := client.WaitForTask(ctx, task.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished as %s: %v\n", final.ID, final.Status, final.Result)
}
