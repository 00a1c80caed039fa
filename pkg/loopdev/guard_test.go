package loopdev

import (
	"context"
	"errors"
	"testing"
)

func TestGuard_RunsReleasesInLIFOOrder(t *testing.T) {
	var order []int
	g := NewGuard()
	g.Defer(func(context.Context) error { order = append(order, 1); return nil })
	g.Defer(func(context.Context) error { order = append(order, 2); return nil })
	g.Defer(func(context.Context) error { order = append(order, 3); return nil })

	g.Run(context.Background())

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("Run() order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Run() order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestGuard_RunIsIdempotent(t *testing.T) {
	calls := 0
	g := NewGuard()
	g.Defer(func(context.Context) error { calls++; return nil })

	g.Run(context.Background())
	g.Run(context.Background())

	if calls != 1 {
		t.Errorf("Run() called release %d times, want 1", calls)
	}
}

func TestGuard_CollectsErrorsButReleasesEverything(t *testing.T) {
	released := 0
	g := NewGuard()
	g.Defer(func(context.Context) error { released++; return errors.New("boom 1") })
	g.Defer(func(context.Context) error { released++; return errors.New("boom 2") })

	errs := g.Run(context.Background())

	if released != 2 {
		t.Errorf("Run() released %d resources, want 2 despite errors", released)
	}
	if len(errs) != 2 {
		t.Errorf("Run() returned %d errors, want 2", len(errs))
	}
}

func TestGuard_PendingReflectsRegisteredReleases(t *testing.T) {
	g := NewGuard()
	if g.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", g.Pending())
	}
	g.Defer(func(context.Context) error { return nil })
	g.Defer(func(context.Context) error { return nil })
	if g.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", g.Pending())
	}
	g.Run(context.Background())
	if g.Pending() != 0 {
		t.Fatalf("Pending() after Run = %d, want 0", g.Pending())
	}
}
