package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"QuantDesk/internal/execution"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute).UnixMilli()

	tasks := []*Task{
		{ID: "t1", CapabilityID: "echo", Status: execution.StatusQueued},
		{ID: "t2", CapabilityID: "echo", Status: execution.StatusFailed},
		{ID: "t3", CapabilityID: "sleep", Status: execution.StatusCompleted},
	}
	for _, task := range tasks {
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base
	store.tasks["t2"].UpdatedAt = base + 30_000
	store.tasks["t3"].UpdatedAt = base + 60_000
	store.mu.Unlock()

	all, err := store.ListTasks(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.ListTasks(ctx, buildListOptions([]ListOption{WithStatuses(execution.StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byCapability, err := store.ListTasks(ctx, buildListOptions([]ListOption{WithCapability("sleep")}))
	if err != nil {
		t.Fatalf("list by capability: %v", err)
	}
	if len(byCapability) != 1 || byCapability[0].ID != "t3" {
		t.Fatalf("unexpected capability list: %+v", byCapability)
	}

	recent, err := store.ListTasks(ctx, buildListOptions([]ListOption{WithUpdatedSince(base + 15_000)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks after since filter, got %d", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, task := range []*Task{
		{ID: "a", CapabilityID: "echo", Status: execution.StatusQueued},
		{ID: "b", CapabilityID: "echo", Status: execution.StatusCompleted},
		{ID: "c", CapabilityID: "echo", Status: execution.StatusCompleted},
		{ID: "d", CapabilityID: "echo", Status: execution.StatusTimeout},
	} {
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Queued != 1 || stats.Completed != 2 || stats.Timeout != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemoryStoreConflictAndNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := &Task{ID: "dup", CapabilityID: "echo", Status: execution.StatusQueued}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateTask(ctx, task.Clone()); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.UpdateTask(ctx, &Task{ID: "missing"}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if err := store.DeleteTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on delete, got %v", err)
	}
}

func TestMemoryStoreDataRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	data := &Data{
		CapabilityID: "echo",
		Input:        map[string]any{"k": "v"},
		Config:       Config{Queue: "capabilities", Priority: PriorityHigh, MaxRetries: 2},
	}
	if err := store.SaveData(ctx, "t1", data); err != nil {
		t.Fatalf("save data: %v", err)
	}
	got, err := store.GetData(ctx, "t1")
	if err != nil {
		t.Fatalf("get data: %v", err)
	}
	if got.CapabilityID != "echo" || got.Config.Priority != PriorityHigh {
		t.Fatalf("unexpected data: %+v", got)
	}
}

func TestMemoryBrokerPriorityOrdering(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	if err := broker.Push(ctx, "q", PriorityLow, "low-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := broker.Push(ctx, "q", PriorityNormal, "normal-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := broker.Push(ctx, "q", PriorityCritical, "critical-1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := broker.Push(ctx, "q", PriorityCritical, "critical-2"); err != nil {
		t.Fatalf("push: %v", err)
	}

	want := []string{"critical-1", "critical-2", "normal-1", "low-1"}
	for _, expected := range want {
		id, err := broker.Pop(ctx, "q", 100*time.Millisecond)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if id != expected {
			t.Fatalf("expected %s, got %s", expected, id)
		}
	}

	// 空队列在等待窗口结束后返回空。
	id, err := broker.Pop(ctx, "q", 20*time.Millisecond)
	if err != nil || id != "" {
		t.Fatalf("expected empty pop, got id=%q err=%v", id, err)
	}
}

func TestMemoryBrokerDeferred(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	now := time.Now()
	if err := broker.Defer(ctx, "later", now.Add(time.Hour)); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if err := broker.Defer(ctx, "due", now.Add(-time.Second)); err != nil {
		t.Fatalf("defer: %v", err)
	}

	due, err := broker.DueDeferred(ctx, now, 10)
	if err != nil {
		t.Fatalf("due deferred: %v", err)
	}
	if len(due) != 1 || due[0] != "due" {
		t.Fatalf("unexpected due set: %v", due)
	}

	// 已认领的任务不会被二次取出。
	again, err := broker.DueDeferred(ctx, now, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected empty second sweep, got %v err=%v", again, err)
	}
}

func TestMemoryBrokerProgressPubSub(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	events, closeSub, err := broker.SubscribeProgress(ctx, "t1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer closeSub()

	if err := broker.PublishProgress(ctx, ProgressEvent{TaskID: "t1", Percent: 42, Message: "working"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case event := <-events:
		if event.Percent != 42 || event.Message != "working" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}

	// 其它任务的订阅者不会收到事件。
	otherEvents, closeOther, err := broker.SubscribeProgress(ctx, "t2")
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	defer closeOther()
	if err := broker.PublishProgress(ctx, ProgressEvent{TaskID: "t1", Percent: 50}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case event := <-otherEvents:
		t.Fatalf("unexpected cross-task event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
