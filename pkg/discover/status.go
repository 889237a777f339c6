package discover

import "sync/atomic"

// EndpointStatus is a cloneable, shared view of whether the last
// authoritative signal from the subscription was "no endpoints". It is the
// only mutable state shared across component boundaries; copying the value
// shares the same underlying flag, the way an Arc<AtomicBool> would.
type EndpointStatus struct {
	empty *atomic.Bool
}

func newEndpointStatus() EndpointStatus {
	return EndpointStatus{empty: new(atomic.Bool)}
}

// IsEmpty reports whether the authority currently has no live endpoints.
func (s EndpointStatus) IsEmpty() bool {
	return s.empty.Load()
}

func (s EndpointStatus) setEmpty(v bool) {
	s.empty.Store(v)
}

// Clone returns a handle sharing the same underlying flag.
func (s EndpointStatus) Clone() EndpointStatus {
	return s
}
