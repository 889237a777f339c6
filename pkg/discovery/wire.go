package discovery

import (
	"net/netip"

	destpb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	netpb "github.com/linkerd/linkerd2-proxy-api/go/net"
	log "github.com/sirupsen/logrus"

	"github.com/linkerd/proxy-discovery/pkg/addr"
	"github.com/linkerd/proxy-discovery/pkg/dnsname"
)

// DecodeUpdates turns one wire message into zero or more normalized Updates.
// A single Add or Remove message may carry several addresses, each of which
// becomes its own Update; entries with no decodable address are dropped.
func DecodeUpdates(msg *destpb.Update) []Update {
	switch u := msg.GetUpdate().(type) {
	case *destpb.Update_Add:
		return decodeAddSet(u.Add)
	case *destpb.Update_Remove:
		return decodeRemoveSet(u.Remove)
	case *destpb.Update_NoEndpoints:
		return []Update{NewNoEndpoints()}
	default:
		return nil
	}
}

func decodeAddSet(set *destpb.WeightedAddrSet) []Update {
	if set == nil {
		return nil
	}
	updates := make([]Update, 0, len(set.GetAddrs()))
	for _, wa := range set.GetAddrs() {
		ap, ok := decodeAddrPort(wa.GetAddr())
		if !ok {
			log.Warn("discovery: dropping endpoint with undecodable address")
			continue
		}
		log.WithField("addr", addr.ProxyAddressToString(wa.GetAddr())).Debug("discovery: decoded endpoint")
		updates = append(updates, NewAdd(ap, decodeMetadata(wa, set.GetMetricLabels())))
	}
	return updates
}

func decodeRemoveSet(set *destpb.AddrSet) []Update {
	if set == nil {
		return nil
	}
	updates := make([]Update, 0, len(set.GetAddrs()))
	for _, tcp := range set.GetAddrs() {
		ap, ok := decodeAddrPort(tcp)
		if !ok {
			log.Warn("discovery: dropping remove for undecodable address")
			continue
		}
		updates = append(updates, NewRemove(ap))
	}
	return updates
}

// decodeAddrPort decodes a wire TcpAddress. A missing IP, or a missing outer
// envelope, drops the entry. The port is a 16-bit value carried in a 32-bit
// field; excess bits are truncated by narrowing.
func decodeAddrPort(tcp *netpb.TcpAddress) (netip.AddrPort, bool) {
	if tcp == nil {
		return netip.AddrPort{}, false
	}
	ip := addr.ProxyIPToNetIP(tcp.GetIp())
	if ip == nil {
		return netip.AddrPort{}, false
	}
	nip, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	port := uint16(tcp.GetPort())
	return netip.AddrPortFrom(nip.Unmap(), port), true
}

func decodeMetadata(wa *destpb.WeightedAddr, setLabels map[string]string) Metadata {
	weight := wa.GetWeight()
	if weight == 0 {
		weight = addr.DefaultWeight
	}

	m := Metadata{
		Labels: mergeLabels(setLabels, wa.GetMetricLabels()),
		Weight: weight,
	}

	m.ProtocolHint = decodeProtocolHint(wa.GetProtocolHint())

	if name, ok := decodeTLSIdentity(wa.GetTlsIdentity()); ok {
		m.TLSIdentity = name
		m.HasTLSIdentity = true
	}

	return m
}

func decodeProtocolHint(hint *destpb.ProtocolHint) ProtocolHint {
	if hint == nil {
		return ProtocolUnknown
	}
	if _, ok := hint.GetProtocol().(*destpb.ProtocolHint_H2_); ok {
		return ProtocolHTTP2
	}
	return ProtocolUnknown
}

// decodeTLSIdentity is present only when the strategy tag is "DNS-like
// identity" and the contained string parses as a valid Name. A missing
// identity or strategy is reported absent without logging; a DNS-like name
// that does not parse is ignored with a warning, non-fatally.
func decodeTLSIdentity(identity *destpb.TlsIdentity) (dnsname.Name, bool) {
	if identity == nil {
		return dnsname.Name{}, false
	}
	dnsLike, ok := identity.GetStrategy().(*destpb.TlsIdentity_DnsLikeIdentity_)
	if !ok {
		return dnsname.Name{}, false
	}
	name, err := dnsname.Parse(dnsLike.DnsLikeIdentity.GetName())
	if err != nil {
		log.WithError(err).Warn("discovery: ignoring invalid TLS identity")
		return dnsname.Name{}, false
	}
	return name, true
}
