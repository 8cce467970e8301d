package execution

import (
	"context"
	"testing"
	"time"

	"QuantDesk/internal/capability"
	xerrors "QuantDesk/internal/errors"
)

func newTestRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r := capability.NewRegistry()
	r.MustRegister(capability.Descriptor{
		ID: "echo",
		Handler: capability.HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
			return input, nil
		}),
		Timeout: 5 * time.Second,
	})
	r.MustRegister(capability.Descriptor{
		ID: "boom",
		Handler: capability.HandlerFunc(func(_ context.Context, _ map[string]any) (any, error) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad input")
		}),
		Timeout: 5 * time.Second,
	})
	r.MustRegister(capability.Descriptor{
		ID: "sleeper",
		Handler: capability.HandlerFunc(func(ctx context.Context, input map[string]any) (any, error) {
			d := 500 * time.Millisecond
			if raw, ok := input["sleep"].(time.Duration); ok {
				d = raw
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
				return "done", nil
			}
		}),
		Timeout: 5 * time.Second,
	})
	r.MustRegister(capability.Descriptor{
		ID: "streamer",
		Handler: capability.HandlerFunc(func(_ context.Context, _ map[string]any) (any, error) {
			return "streamed", nil
		}),
		Streaming: true,
		Timeout:   5 * time.Second,
	})
	r.MustRegister(capability.Descriptor{
		ID: "whoami",
		Handler: capability.HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
			return input["caller"], nil
		}),
		UserIDField: "caller",
		Timeout:     5 * time.Second,
	})
	return r
}

func TestExecuteSuccess(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	result := o.Execute(context.Background(), "echo", map[string]any{"k": "v"}, nil)

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.ProgressPercent != 100 {
		t.Fatalf("expected progress 100, got %f", result.ProgressPercent)
	}
	if result.CompletedAt == 0 || result.CompletedAt < result.StartedAt {
		t.Fatalf("bad timestamps: started=%d completed=%d", result.StartedAt, result.CompletedAt)
	}
	out, ok := result.Result.(map[string]any)
	if !ok || out["k"] != "v" {
		t.Fatalf("unexpected result payload: %+v", result.Result)
	}
}

func TestExecuteUnknownCapability(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	result := o.Execute(context.Background(), "missing", nil, nil)

	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ErrorType != string(xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND error type, got %s", result.ErrorType)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	result := o.Execute(context.Background(), "boom", nil, nil)

	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.ErrorType != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", result.ErrorType)
	}
}

func TestExecuteTimeout(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	result := o.Execute(context.Background(), "sleeper", map[string]any{"sleep": 500 * time.Millisecond}, nil, WithTimeout(50*time.Millisecond))

	if result.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %s", result.Status)
	}
	if result.ErrorType != string(xerrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT error type, got %s", result.ErrorType)
	}
}

func TestExecuteAsyncAndCancel(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	ec := NewContext("sleeper", "")
	record := o.ExecuteAsync(context.Background(), "sleeper", map[string]any{"sleep": 5 * time.Second}, ec)

	if record.Status != StatusQueued {
		t.Fatalf("expected queued snapshot, got %s", record.Status)
	}

	// 等待流转到 running。
	deadline := time.Now().Add(time.Second)
	for {
		status := o.GetStatus(ec.ExecutionID).Status
		if status == StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never reached running, status=%s", status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !o.Cancel(ec.ExecutionID) {
		t.Fatal("expected cancel to succeed")
	}
	final := o.GetStatus(ec.ExecutionID)
	if final.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	// 终态只写一次，handler 退出后状态不得被覆盖。
	time.Sleep(50 * time.Millisecond)
	if got := o.GetStatus(ec.ExecutionID).Status; got != StatusCancelled {
		t.Fatalf("terminal state overwritten: %s", got)
	}

	if o.Cancel(ec.ExecutionID) {
		t.Fatal("cancelling a terminal execution must return false")
	}
}

func TestGetStatusUnknownSynthesizesFailure(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	result := o.GetStatus("nope")

	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if result.Error != "Execution not found" {
		t.Fatalf("unexpected error message: %s", result.Error)
	}
	if result.ErrorType != string(xerrors.CodeNotFound) {
		t.Fatalf("unexpected error type: %s", result.ErrorType)
	}
}

func TestStreamNonStreamingCapability(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	ch := o.Stream(context.Background(), "echo", map[string]any{"k": "v"}, nil)

	var results []*Result
	for r := range ch {
		results = append(results, r)
	}
	if len(results) != 1 {
		t.Fatalf("expected a single terminal element, got %d", len(results))
	}
	if results[0].Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", results[0].Status)
	}
}

func TestStreamStreamingCapability(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	ch := o.Stream(context.Background(), "streamer", nil, nil)

	var results []*Result
	for r := range ch {
		results = append(results, r)
	}
	if len(results) != 2 {
		t.Fatalf("expected running + terminal, got %d elements", len(results))
	}
	if results[0].Status != StatusRunning {
		t.Fatalf("first element should be running, got %s", results[0].Status)
	}
	if results[1].Status != StatusCompleted {
		t.Fatalf("second element should be completed, got %s", results[1].Status)
	}
}

func TestUserIDInjection(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	ec := NewContext("whoami", "user-42")
	result := o.Execute(context.Background(), "whoami", map[string]any{}, ec)

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.Result != "user-42" {
		t.Fatalf("expected injected user id, got %v", result.Result)
	}

	// 调用方已提供时不覆盖。
	result = o.Execute(context.Background(), "whoami", map[string]any{"caller": "explicit"}, NewContext("whoami", "user-42"))
	if result.Result != "explicit" {
		t.Fatalf("caller supplied value must win, got %v", result.Result)
	}
}

func TestExecuteCapabilityEnvelope(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))

	env := o.ExecuteCapability(context.Background(), "echo", map[string]any{"k": "v"}, "")
	if !env.Success || env.ExecutionID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	env = o.ExecuteCapability(context.Background(), "boom", nil, "")
	if env.Success {
		t.Fatal("expected failure envelope")
	}
	if env.ErrorType != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected error type: %s", env.ErrorType)
	}
}

func TestEvictRemovesRecord(t *testing.T) {
	o := NewOrchestrator(newTestRegistry(t))
	ec := NewContext("echo", "")
	o.Execute(context.Background(), "echo", nil, ec)

	if o.GetStatus(ec.ExecutionID).Status != StatusCompleted {
		t.Fatal("expected record before eviction")
	}
	o.Evict(ec.ExecutionID)
	if o.GetStatus(ec.ExecutionID).Error != "Execution not found" {
		t.Fatal("expected record to be gone after eviction")
	}
}

func TestRunSetTrackCancelForget(t *testing.T) {
	runs := NewRunSet()
	ctx, cancel := context.WithCancel(context.Background())
	runs.Track("id-1", cancel)

	if runs.Len() != 1 {
		t.Fatalf("expected 1 tracked run, got %d", runs.Len())
	}
	if !runs.Cancel("id-1") {
		t.Fatal("expected cancel to hit tracked run")
	}
	if ctx.Err() == nil {
		t.Fatal("expected context to be cancelled")
	}
	if runs.Cancel("id-1") {
		t.Fatal("cancel must be idempotent and return false on second call")
	}

	runs.Track("id-2", func() {})
	runs.Forget("id-2")
	if runs.Cancel("id-2") {
		t.Fatal("forgotten run must not be cancellable")
	}
}
