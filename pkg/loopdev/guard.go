package loopdev

import (
	"context"
	"sync"

	"k8s.io/klog/v2"
)

// Guard is a scoped acquisition/release stack for kernel resources — loop
// devices and mounts — whose release is registered at the moment of
// acquisition. Run releases everything in LIFO order exactly once,
// regardless of whether the run ends in success, an aborted error, or a
// signal. This replaces a hand-rolled END-block style teardown with an
// explicit, reusable value.
type Guard struct {
	mu       sync.Mutex
	releases []func(context.Context) error
	ran      bool
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Defer registers release to run (in LIFO order, alongside every other
// registered release) the next time Run is called.
func (g *Guard) Defer(release func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases = append(g.releases, release)
}

// Run releases every registered resource in reverse-acquisition order and
// clears the guard. Calling Run more than once is a no-op after the first
// call, so it is safe to register it on every exit path (normal return,
// error, signal handler) without double-releasing.
func (g *Guard) Run(ctx context.Context) []error {
	g.mu.Lock()
	if g.ran {
		g.mu.Unlock()
		return nil
	}
	g.ran = true
	releases := g.releases
	g.releases = nil
	g.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			klog.Warningf("guard: release failed: %v", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Pending reports how many releases are currently registered. Used by
// tests asserting that every acquisition was matched by a release.
func (g *Guard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.releases)
}
