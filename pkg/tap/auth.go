package tap

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/linkerd/proxy-discovery/pkg/dnsname"
)

// peerIdentity extracts the DNS-like peer identity from a completed TLS
// handshake. It reports false when no verified peer certificate is present,
// which the caller treats as "peer identity absent".
func peerIdentity(state tls.ConnectionState) (dnsname.Name, bool) {
	if len(state.PeerCertificates) == 0 {
		return dnsname.Name{}, false
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	name, err := dnsname.Parse(cn)
	if err != nil {
		return dnsname.Name{}, false
	}
	return name, true
}

// unauthenticatedHandler is registered as the gRPC server's
// UnknownServiceHandler on the stub server: every call on a connection
// routed there answers Unauthenticated, regardless of the method invoked,
// so the client still observes a well-formed gRPC status over a properly
// handshaked HTTP/2 session.
func unauthenticatedHandler(srv interface{}, stream grpc.ServerStream) error {
	return status.Error(codes.Unauthenticated, "tap: peer identity does not match the expected identity")
}
