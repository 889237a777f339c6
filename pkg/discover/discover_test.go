package discover

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/linkerd/proxy-discovery/pkg/discovery"
)

type controlledFactory struct {
	mu    sync.Mutex
	gates map[netip.AddrPort]chan struct{}

	// started receives an address each time Build is entered for it, so
	// tests can wait for a build to actually be in flight before racing
	// the next event against it. Sends never block.
	started chan netip.AddrPort
}

func newControlledFactory() *controlledFactory {
	return &controlledFactory{
		gates:   make(map[netip.AddrPort]chan struct{}),
		started: make(chan netip.AddrPort, 64),
	}
}

// gate returns the channel that must be closed before Build(addr) resolves,
// creating it on first use.
func (f *controlledFactory) gate(addr netip.AddrPort) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[addr]
	if !ok {
		g = make(chan struct{})
		f.gates[addr] = g
	}
	return g
}

func (f *controlledFactory) release(addr netip.AddrPort) {
	close(f.gate(addr))
}

func (f *controlledFactory) Build(ctx context.Context, ep discovery.Endpoint) (string, error) {
	select {
	case f.started <- ep.Addr:
	default:
	}
	select {
	case <-f.gate(ep.Addr):
		return "svc:" + ep.Addr.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func waitStarted(t *testing.T, f *controlledFactory, addr netip.AddrPort, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case a := <-f.started:
			if a == addr {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a build to start for %v", addr)
		}
	}
}

func waitChange[S any](t *testing.T, d *Discover[S], timeout time.Duration) Change[S] {
	t.Helper()
	select {
	case c := <-d.Changes():
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a Change")
		return Change[S]{}
	}
}

func TestDiscoverInsertOnBuildComplete(t *testing.T) {
	cache := discovery.NewDeltaCache()
	factory := newControlledFactory()
	d := New("test", cache, factory, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a := mustAddrPort("10.0.0.1:80")
	cache.Add(discovery.Endpoint{Addr: a})
	factory.release(a)

	change := waitChange(t, d, time.Second)
	if change.Kind != Insert || change.Addr != a || change.Service != "svc:"+a.String() {
		t.Fatalf("unexpected change: %+v", change)
	}
	if d.EndpointStatus().IsEmpty() {
		t.Error("expected EndpointStatus to be non-empty after an insert")
	}
}

func TestDiscoverCancellationIsSilent(t *testing.T) {
	cache := discovery.NewDeltaCache()
	factory := newControlledFactory()
	d := New("test", cache, factory, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a := mustAddrPort("10.0.0.1:80")
	cache.Add(discovery.Endpoint{Addr: a})

	// Remove before the build's gate is ever released: the build must never
	// complete, and only a Remove change should surface.
	cache.Remove(a)

	change := waitChange(t, d, time.Second)
	if change.Kind != Remove || change.Addr != a {
		t.Fatalf("expected Remove(%v), got %+v", a, change)
	}

	// Releasing the gate now must not produce a belated Insert.
	factory.release(a)
	select {
	case c := <-d.Changes():
		t.Fatalf("expected no further changes, got %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDiscoverBuildFailurePropagates(t *testing.T) {
	cache := discovery.NewDeltaCache()
	boom := errors.New("boom")
	d := New("test", cache, failingFactory{err: boom}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a := mustAddrPort("10.0.0.1:80")
	cache.Add(discovery.Endpoint{Addr: a})

	select {
	case err := <-d.Err():
		if !errors.Is(err, boom) {
			t.Fatalf("Err() = %v, want %v", err, boom)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for build error")
	}

	if _, ok := <-d.Changes(); ok {
		t.Fatal("expected Changes to be closed after a build error")
	}
}

type failingFactory struct{ err error }

func (f failingFactory) Build(ctx context.Context, ep discovery.Endpoint) (string, error) {
	return "", f.err
}

func TestDiscoverNoEndpointsSetsEmptyFlag(t *testing.T) {
	cache := discovery.NewDeltaCache()
	factory := newControlledFactory()
	d := New("test", cache, factory, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	cache.NoEndpoints()

	deadline := time.Now().Add(time.Second)
	for !d.EndpointStatus().IsEmpty() {
		if time.Now().After(deadline) {
			t.Fatal("EndpointStatus never became empty")
		}
		time.Sleep(time.Millisecond)
	}
}

// A re-Add of a still-live address must cancel the prior in-flight build
// instead of leaking its cancel handle and running two builds for one
// address at once.
func TestDiscoverReAddCancelsPriorBuild(t *testing.T) {
	cache := discovery.NewDeltaCache()
	factory := newControlledFactory()
	d := New("test", cache, factory, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a := mustAddrPort("10.0.0.1:80")

	cache.Add(discovery.Endpoint{Addr: a})
	waitStarted(t, factory, a, time.Second)

	// Re-Add the same address (its metadata may have changed) while the
	// first build is still in flight.
	cache.Add(discovery.Endpoint{Addr: a, Metadata: discovery.Metadata{Weight: 2}})
	waitStarted(t, factory, a, time.Second)

	// Both builds block on the same gate; releasing it lets whichever
	// build is still alive complete. If the first build's handle leaked,
	// both would complete and the adapter would emit two Inserts (or
	// clobber the live handle with the stale one).
	factory.release(a)

	change := waitChange(t, d, time.Second)
	if change.Kind != Insert || change.Addr != a {
		t.Fatalf("expected a single Insert(%v), got %+v", a, change)
	}

	select {
	case c := <-d.Changes():
		t.Fatalf("expected exactly one change for the re-Add, got an extra %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

// A build that completes successfully just as its address is removed must
// not resurrect the address: once a Remove has been observed for an
// address, no later Insert for it may follow.
func TestDiscoverRemoveRacingCompletionNeverResurrects(t *testing.T) {
	for i := 0; i < 20; i++ {
		cache := discovery.NewDeltaCache()
		factory := newControlledFactory()
		d := New("test", cache, factory, 0)

		ctx, cancel := context.WithCancel(context.Background())
		go d.Run(ctx)

		a := mustAddrPort("10.0.0.1:80")
		cache.Add(discovery.Endpoint{Addr: a})
		waitStarted(t, factory, a, time.Second)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); factory.release(a) }()
		go func() { defer wg.Done(); cache.Remove(a) }()
		wg.Wait()

		removed := false
		collecting := time.After(100 * time.Millisecond)
	collect:
		for {
			select {
			case c := <-d.Changes():
				if c.Addr != a {
					continue
				}
				if c.Kind == Remove {
					removed = true
				}
				if c.Kind == Insert && removed {
					t.Fatalf("iteration %d: Insert(%v) followed a Remove for the same address", i, a)
				}
			case <-collecting:
				break collect
			}
		}

		cancel()
	}
}

func mustAddrPort(s string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return ap
}
