// Package discover drives an endpoint subscription's delta cache and, per
// Add, asynchronously builds a per-address child service through an
// injected factory, surfacing build completion or cancellation as a keyed
// change event for a balancer.
package discover

import (
	"context"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/linkerd/proxy-discovery/pkg/discovery"
)

// ChildServiceFactory builds a per-endpoint child service of type S. Build
// must respect ctx: when the Discover adapter cancels an in-flight build
// (because the address was removed), ctx is cancelled and the factory should
// abandon its work as soon as possible. Its result is discarded either way.
type ChildServiceFactory[S any] interface {
	Build(ctx context.Context, ep discovery.Endpoint) (S, error)
}

// ChangeKind tags the variant carried by a Change.
type ChangeKind int

const (
	// Insert means a child service became ready for addr.
	Insert ChangeKind = iota
	// Remove means addr was removed, or its in-flight build was cancelled.
	Remove
)

// Change is one keyed mutation the balancer must apply.
type Change[S any] struct {
	Kind    ChangeKind
	Addr    netip.AddrPort
	Service S
}

type buildResult[S any] struct {
	addr      netip.AddrPort
	cancelCh  chan struct{}
	service   S
	err       error
	cancelled bool
}

// Discover turns a DeltaCache plus a per-endpoint factory into a keyed
// Change stream for a balancer. Unlike the poll()-based state machine this
// component is distilled from, Go has no single-threaded executor to drive
// cooperative futures, so Discover runs its state machine as a background
// goroutine (Run) that owns its pending-build map exclusively, and
// publishes Change values on a channel instead of being polled.
type Discover[S any] struct {
	authority string
	cache     *discovery.DeltaCache
	factory   ChildServiceFactory[S]
	status    EndpointStatus

	maxConcurrentBuilds int

	changes chan Change[S]
	errc    chan error

	once sync.Once
}

// New builds a Discover adapter for the given authority. maxConcurrentBuilds
// bounds how many child-service builds may run at once; Go renders the
// original's single-poll "is the factory ready" check as a bounded
// concurrency semaphore rather than a non-blocking probe, since builds here
// run as independent goroutines instead of cooperatively scheduled futures.
// A value <= 0 means unbounded.
func New[S any](authority string, cache *discovery.DeltaCache, factory ChildServiceFactory[S], maxConcurrentBuilds int) *Discover[S] {
	return &Discover[S]{
		authority:           authority,
		cache:               cache,
		factory:             factory,
		status:              newEndpointStatus(),
		maxConcurrentBuilds: maxConcurrentBuilds,
		changes:             make(chan Change[S]),
		errc:                make(chan error, 1),
	}
}

// EndpointStatus returns a cloneable handle observing whether the authority
// currently has no live endpoints.
func (d *Discover[S]) EndpointStatus() EndpointStatus {
	return d.status
}

// Changes returns the channel on which Change events are published. It is
// closed when Run returns, after any terminal error has been delivered on
// Err.
func (d *Discover[S]) Changes() <-chan Change[S] {
	return d.changes
}

// Err returns the channel carrying the terminal build error, if any. It is
// only ever sent to once, immediately before Changes is closed.
func (d *Discover[S]) Err() <-chan error {
	return d.errc
}

// Run drives the state machine until ctx is done or a build fails
// permanently. It must be called exactly once.
func (d *Discover[S]) Run(ctx context.Context) {
	d.once.Do(func() { d.run(ctx) })
}

func (d *Discover[S]) run(ctx context.Context) {
	log := log.WithFields(log.Fields{"authority": d.authority})

	ctx, cancelAll := context.WithCancel(ctx)

	// eg tracks every goroutine run spawns: the delta puller and one per
	// in-flight build. Waiting on it before returning is how run drains
	// the build pool instead of merely abandoning it; every tracked
	// goroutine already respects ctx, so the wait completes as soon as
	// cancelAll propagates.
	var eg errgroup.Group

	defer close(d.changes)
	defer func() { _ = eg.Wait() }() // outcomes are reported via buildDone/errc, not the group's own error
	defer cancelAll()

	var sem chan struct{}
	if d.maxConcurrentBuilds > 0 {
		sem = make(chan struct{}, d.maxConcurrentBuilds)
	}

	pending := make(map[netip.AddrPort]chan struct{})
	buildDone := make(chan buildResult[S])
	deltas := make(chan discovery.Update)

	eg.Go(func() error {
		defer close(deltas)
		for {
			u, err := d.cache.Next(ctx)
			if err != nil {
				return nil
			}
			select {
			case deltas <- u:
			case <-ctx.Done():
				return nil
			}
		}
	})

	for {
		select {
		case <-ctx.Done():
			for _, cancelCh := range pending {
				close(cancelCh)
			}
			return

		case res := <-buildDone:
			if res.cancelled {
				buildsCancelledTotal.WithLabelValues(d.authority).Inc()
				activeBuilds.WithLabelValues(d.authority).Dec()
				// The cancellation handle was already removed by the
				// Remove (or superseding Add) dispatch that triggered it.
				continue
			}
			if current, ok := pending[res.addr]; !ok || current != res.cancelCh {
				// The address was removed, or re-Added under a new
				// handle, after this build completed but before it
				// could observe cancellation. Drop the result rather
				// than resurrecting a removed endpoint or clobbering
				// the handle for the address's current live build.
				log.WithField("addr", res.addr).Debug("discover: dropping stale build result")
				activeBuilds.WithLabelValues(d.authority).Dec()
				continue
			}
			delete(pending, res.addr)
			activeBuilds.WithLabelValues(d.authority).Dec()

			if res.err != nil {
				buildFailuresTotal.WithLabelValues(d.authority).Inc()
				d.errc <- res.err
				return
			}

			d.status.setEmpty(false)
			changesEmitted.WithLabelValues(d.authority, "insert").Inc()
			select {
			case d.changes <- Change[S]{Kind: Insert, Addr: res.addr, Service: res.service}:
			case <-ctx.Done():
				return
			}

		case u, ok := <-deltas:
			if !ok {
				continue
			}
			switch u.Kind {
			case discovery.Add:
				// A re-Add of a still-live address (its metadata may have
				// changed) supersedes any in-flight build for it: cancel
				// the old build before registering the new handle, so at
				// most one build per address is ever in flight.
				if old, ok := pending[u.Addr]; ok {
					close(old)
				}
				cancelCh := make(chan struct{})
				pending[u.Addr] = cancelCh
				activeBuilds.WithLabelValues(d.authority).Inc()
				ep := discovery.Endpoint{Addr: u.Addr, Metadata: u.Metadata}
				d.spawnBuild(ctx, &eg, sem, ep, cancelCh, buildDone)

			case discovery.Remove:
				if cancelCh, ok := pending[u.Addr]; ok {
					close(cancelCh)
					delete(pending, u.Addr)
				}
				changesEmitted.WithLabelValues(d.authority, "remove").Inc()
				select {
				case d.changes <- Change[S]{Kind: Remove, Addr: u.Addr}:
				case <-ctx.Done():
					return
				}

			case discovery.NoEndpoints:
				d.status.setEmpty(true)
			}
		}
	}
}

// spawnBuild runs one child-service build to completion, cancellation, or
// the factory's own failure, and reports the outcome on buildDone. It checks
// cancelCh before starting any work and races it against completion
// throughout, mirroring a build future that polls its cancellation receiver
// first on every poll.
func (d *Discover[S]) spawnBuild(ctx context.Context, eg *errgroup.Group, sem chan struct{}, ep discovery.Endpoint, cancelCh chan struct{}, buildDone chan<- buildResult[S]) {
	report := func(res buildResult[S]) {
		res.addr = ep.Addr
		res.cancelCh = cancelCh
		select {
		case buildDone <- res:
		case <-ctx.Done():
			// The adapter is shutting down and nobody will read buildDone
			// again; drop the result rather than leak this goroutine.
		}
	}

	eg.Go(func() error {
		select {
		case <-cancelCh:
			report(buildResult[S]{cancelled: true})
			return nil
		default:
		}

		if sem != nil {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-cancelCh:
				report(buildResult[S]{cancelled: true})
				return nil
			case <-ctx.Done():
				report(buildResult[S]{cancelled: true})
				return nil
			}
		}

		buildCtx, cancelBuild := context.WithCancel(ctx)
		defer cancelBuild()

		done := make(chan struct{})
		var svc S
		var err error
		go func() {
			svc, err = d.factory.Build(buildCtx, ep)
			close(done)
		}()

		select {
		case <-cancelCh:
			cancelBuild()
			go func() { <-done }() // let the factory observe cancellation without leaking this goroutine
			report(buildResult[S]{cancelled: true})
		case <-done:
			report(buildResult[S]{service: svc, err: err})
		}
		return nil
	})
}
