package discovery

import (
	"context"
	"net/netip"
	"sync"
)

// addrSet is an insertion-ordered set of addresses, so that expanding
// NoEndpoints into per-address Removes is deterministic.
type addrSet struct {
	order []netip.AddrPort
	index map[netip.AddrPort]int
}

func newAddrSet() addrSet {
	return addrSet{index: make(map[netip.AddrPort]int)}
}

func (s *addrSet) insert(a netip.AddrPort) {
	if _, ok := s.index[a]; ok {
		return
	}
	s.index[a] = len(s.order)
	s.order = append(s.order, a)
}

func (s *addrSet) remove(a netip.AddrPort) {
	i, ok := s.index[a]
	if !ok {
		return
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
	delete(s.index, a)
	for j := i; j < len(s.order); j++ {
		s.index[s.order[j]] = j
	}
}

// drain returns the set's elements in insertion order and empties the set.
func (s *addrSet) drain() []netip.AddrPort {
	out := s.order
	s.order = nil
	s.index = make(map[netip.AddrPort]int)
	return out
}

func (s *addrSet) snapshot() []netip.AddrPort {
	out := make([]netip.AddrPort, len(s.order))
	copy(out, s.order)
	return out
}

// DeltaCache buffers deltas as a FIFO of single-endpoint Updates and tracks
// the live address set, so that a NoEndpoints signal can be expanded into
// explicit per-address removals for downstream consumers that only
// understand one endpoint at a time.
type DeltaCache struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Update
	live  addrSet
}

// NewDeltaCache builds an empty DeltaCache.
func NewDeltaCache() *DeltaCache {
	c := &DeltaCache{live: newAddrSet()}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Add appends an Add update for each endpoint and inserts its address into
// the live set. The live-set insertion is idempotent; the Add is still
// enqueued every time, since the endpoint's metadata may have changed.
func (c *DeltaCache) Add(endpoints ...Endpoint) {
	if len(endpoints) == 0 {
		return
	}
	c.mu.Lock()
	for _, ep := range endpoints {
		c.queue = append(c.queue, NewAdd(ep.Addr, ep.Metadata))
		c.live.insert(ep.Addr)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Remove appends a Remove update for each address and drops it from the
// live set.
func (c *DeltaCache) Remove(addrs ...netip.AddrPort) {
	if len(addrs) == 0 {
		return
	}
	c.mu.Lock()
	for _, a := range addrs {
		c.queue = append(c.queue, NewRemove(a))
		c.live.remove(a)
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// NoEndpoints clears any queued updates, pushes a single NoEndpoints to the
// head, then appends a Remove for every address in the live set in
// insertion order, and drains the live set. After it returns, the live set
// is empty and no update enqueued before this call is observable by Next.
func (c *DeltaCache) NoEndpoints() {
	c.mu.Lock()
	c.queue = c.queue[:0]
	c.queue = append(c.queue, NewNoEndpoints())
	for _, a := range c.live.drain() {
		c.queue = append(c.queue, NewRemove(a))
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Next blocks until an update is available or ctx is done.
func (c *DeltaCache) Next(ctx context.Context) (Update, error) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 {
		select {
		case <-done:
			return Update{}, ctx.Err()
		default:
		}
		c.cond.Wait()
	}
	u := c.queue[0]
	c.queue = c.queue[1:]
	return u, nil
}

// TryNext returns the next queued update without blocking. It reports false
// when the queue is currently empty.
func (c *DeltaCache) TryNext() (Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Update{}, false
	}
	u := c.queue[0]
	c.queue = c.queue[1:]
	return u, true
}

// LiveAddrs returns a snapshot of the currently-live address set, in
// insertion order.
func (c *DeltaCache) LiveAddrs() []netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live.snapshot()
}
