package participant

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/vietddude/txflow/internal/core/domain"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&Funcs{Name: "inventory"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(&Funcs{Name: "inventory"}); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for second registration, got %v", err)
	}
	if err := r.Register(&Funcs{}); err == nil {
		t.Error("expected error for empty participant id")
	}
	if err := r.Register(nil); err == nil {
		t.Error("expected error for nil participant")
	}
}

func TestRegistryGetAndResolve(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&Funcs{Name: "billing"})
	_ = r.Register(&Funcs{Name: "audit"})

	p, err := r.Get("billing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.ID() != "billing" {
		t.Errorf("expected id 'billing', got %s", p.ID())
	}

	if _, err := r.Get("ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Resolve preserves the requested order.
	resolved, err := r.Resolve("audit", "billing")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	var ids []string
	for _, p := range resolved {
		ids = append(ids, p.ID())
	}
	if want := []string{"audit", "billing"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("expected resolve order %v, got %v", want, ids)
	}

	if _, err := r.Resolve("billing", "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}

	if want := []string{"audit", "billing"}; !reflect.DeepEqual(r.IDs(), want) {
		t.Errorf("expected sorted ids %v, got %v", want, r.IDs())
	}
}

func TestFuncsNilCallbacksSucceed(t *testing.T) {
	p := &Funcs{Name: "noop"}
	ctx := context.Background()

	if err := p.Prepare(ctx); err != nil {
		t.Errorf("expected nil prepare to succeed, got %v", err)
	}
	if err := p.Commit(ctx); err != nil {
		t.Errorf("expected nil commit to succeed, got %v", err)
	}
	if err := p.Rollback(ctx); err != nil {
		t.Errorf("expected nil rollback to succeed, got %v", err)
	}
}

func TestFuncsDelegates(t *testing.T) {
	wantErr := errors.New("reservation failed")
	p := &Funcs{
		Name:      "inventory",
		OnPrepare: func(context.Context) error { return wantErr },
	}

	if err := p.Prepare(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("expected prepare error to pass through, got %v", err)
	}
}
