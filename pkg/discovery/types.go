// Package discovery maintains a live subscription to a remote discovery
// service for one authority and normalizes its messages into an ordered,
// one-endpoint-at-a-time delta stream.
package discovery

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/linkerd/proxy-discovery/pkg/dnsname"
)

// Authority identifies a discovery target: a logical name and a port.
type Authority struct {
	Name dnsname.Name
	Port uint16
}

// String renders the authority the way it is carried on the wire, "name:port".
func (a Authority) String() string {
	return fmt.Sprintf("%s:%d", a.Name, a.Port)
}

// ProtocolHint narrows how a child service should be built for an endpoint.
type ProtocolHint int

const (
	// ProtocolUnknown means no protocol hint was present on the wire.
	ProtocolUnknown ProtocolHint = iota
	// ProtocolHTTP2 means the endpoint advertised native HTTP/2 support.
	ProtocolHTTP2
)

// Label is one key/value pair of endpoint or set-level metadata.
type Label struct {
	Key   string
	Value string
}

// Metadata describes one endpoint: its merged, sorted labels, protocol hint,
// optional TLS peer identity, and load-balancing weight.
type Metadata struct {
	Labels         []Label
	ProtocolHint   ProtocolHint
	TLSIdentity    dnsname.Name
	HasTLSIdentity bool
	Weight         uint32
}

// mergeLabels merges endpoint-level labels over set-level labels and returns
// them sorted by key, so equality comparison downstream is stable.
func mergeLabels(setLabels, endpointLabels map[string]string) []Label {
	merged := make(map[string]string, len(setLabels)+len(endpointLabels))
	for k, v := range setLabels {
		merged[k] = v
	}
	for k, v := range endpointLabels {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	labels := make([]Label, len(keys))
	for i, k := range keys {
		labels[i] = Label{Key: k, Value: merged[k]}
	}
	return labels
}

// Endpoint is one discovered address and its metadata.
type Endpoint struct {
	Addr     netip.AddrPort
	Metadata Metadata
}

// UpdateKind tags the variant carried by an Update.
type UpdateKind int

const (
	// Add signals a new or refreshed endpoint.
	Add UpdateKind = iota
	// Remove signals that an address is no longer live.
	Remove
	// NoEndpoints signals that the authority currently has no live endpoints.
	NoEndpoints
)

func (k UpdateKind) String() string {
	switch k {
	case Add:
		return "Add"
	case Remove:
		return "Remove"
	case NoEndpoints:
		return "NoEndpoints"
	default:
		return "Unknown"
	}
}

// Update is one addressed delta: an Add carries an address and its metadata,
// a Remove carries only the address, and NoEndpoints carries neither.
type Update struct {
	Kind     UpdateKind
	Addr     netip.AddrPort
	Metadata Metadata
}

// NewAdd builds an Add update.
func NewAdd(addr netip.AddrPort, meta Metadata) Update {
	return Update{Kind: Add, Addr: addr, Metadata: meta}
}

// NewRemove builds a Remove update.
func NewRemove(addr netip.AddrPort) Update {
	return Update{Kind: Remove, Addr: addr}
}

// NewNoEndpoints builds a NoEndpoints update.
func NewNoEndpoints() Update {
	return Update{Kind: NoEndpoints}
}
