package capability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	desc := Descriptor{
		ID:          "echo",
		Description: "echo back",
		Handler: HandlerFunc(func(_ context.Context, input map[string]any) (any, error) {
			return input, nil
		}),
	}
	if err := r.Register(desc); err != nil {
		t.Fatalf("register: %v", err)
	}

	resolved, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", resolved.Timeout)
	}

	if err := r.Register(desc); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	if _, err := r.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Descriptor{ID: ""}); err == nil {
		t.Fatal("expected empty id to be rejected")
	}
	if err := r.Register(Descriptor{ID: "no-handler"}); err == nil {
		t.Fatal("expected descriptor without handler to be rejected")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(_ context.Context, _ map[string]any) (any, error) { return nil, nil })
	for _, id := range []string{"zeta", "alpha", "mid"} {
		r.MustRegister(Descriptor{ID: id, Handler: noop})
	}
	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "alpha" || ids[2] != "zeta" {
		t.Fatalf("unexpected id order: %v", ids)
	}
}

type closableHandler struct {
	closed bool
}

func (h *closableHandler) Invoke(_ context.Context, _ map[string]any) (any, error) {
	return "ok", nil
}

func (h *closableHandler) Close() error {
	h.closed = true
	return nil
}

func TestAcquireClosesFactoryInstances(t *testing.T) {
	instance := &closableHandler{}
	desc := Descriptor{
		ID:      "factory",
		Factory: func() (Handler, error) { return instance, nil },
		Timeout: time.Second,
	}

	handler, release, err := desc.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := handler.Invoke(context.Background(), nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	release()
	if !instance.closed {
		t.Fatal("expected factory instance to be closed on release")
	}
}

func TestAcquirePrefersResidentHandler(t *testing.T) {
	resident := &closableHandler{}
	desc := Descriptor{
		ID:      "resident",
		Handler: resident,
		Factory: func() (Handler, error) { return &closableHandler{}, nil },
	}
	handler, release, err := desc.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	if handler != resident {
		t.Fatal("expected resident handler to win over factory")
	}
	if resident.closed {
		t.Fatal("resident handler must not be closed on release")
	}
}

func TestBuiltinsRegister(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	for _, id := range []string{"echo", "sleep", "market.snapshot"} {
		if _, err := r.Resolve(id); err != nil {
			t.Fatalf("builtin %s missing: %v", id, err)
		}
	}

	desc, _ := r.Resolve("market.snapshot")
	handler, release, err := desc.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	out, err := handler.Invoke(context.Background(), map[string]any{"symbol": "NVDA"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	snapshot, ok := out.(map[string]any)
	if !ok || snapshot["symbol"] != "NVDA" {
		t.Fatalf("unexpected snapshot: %+v", out)
	}
	if _, err := handler.Invoke(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected missing symbol to error")
	}
}
