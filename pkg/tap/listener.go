// Package tap accepts inbound administrative connections, authenticates the
// peer identity against a configured expected identity, and either serves
// the real admin RPC or short-circuits with an Unauthenticated response.
package tap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/linkerd/proxy-discovery/pkg/dnsname"
	"github.com/linkerd/proxy-discovery/pkg/grpcutil"
)

// Listener accepts tap connections on a bound net.Listener, authenticating
// each one's peer identity before routing it to either the admin gRPC
// server or a stub server that answers Unauthenticated on every call.
type Listener struct {
	ln        net.Listener
	tlsConfig *tls.Config

	// ExpectedIdentity is the peer identity callers must present. It is
	// consulted only when HasExpectedIdentity is true; when that is false,
	// no identity is configured and every peer is authorized.
	ExpectedIdentity    dnsname.Name
	HasExpectedIdentity bool

	// RegisterAdmin registers the real admin service on the authorized
	// gRPC server. It is called once, at Serve startup.
	RegisterAdmin func(*grpc.Server)
}

// NewListener builds a Listener over ln, requiring and verifying client
// certificates per tlsConfig.
func NewListener(ln net.Listener, tlsConfig *tls.Config, registerAdmin func(*grpc.Server)) *Listener {
	cfg := tlsConfig.Clone()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return &Listener{ln: ln, tlsConfig: cfg, RegisterAdmin: registerAdmin}
}

// Serve runs the accept loop until ctx is done or the underlying listener
// fails. Each connection's serving future is spawned independently;
// per-connection failures are logged at debug and never stop the listener.
func (l *Listener) Serve(ctx context.Context) error {
	adminConns := make(chan net.Conn)
	stubConns := make(chan net.Conn)

	admin := grpcutil.NewServer()
	if l.RegisterAdmin != nil {
		l.RegisterAdmin(admin)
	}
	stub := grpcutil.NewServer(grpc.UnknownServiceHandler(unauthenticatedHandler))

	adminListener := newChanListener(l.ln.Addr())
	stubListener := newChanListener(l.ln.Addr())

	go admin.Serve(adminListener)
	go stub.Serve(stubListener)

	go func() {
		<-ctx.Done()
		admin.GracefulStop()
		stub.GracefulStop()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		connectionsAccepted.Inc()
		go l.handleConn(ctx, conn, adminListener, stubListener)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn, adminListener, stubListener *chanListener) {
	tlsConn := tls.Server(conn, l.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		log.WithError(err).Debug("tap: TLS handshake failed")
		connectionsDropped.Inc()
		conn.Close()
		return
	}

	identity, ok := peerIdentity(tlsConn.ConnectionState())

	switch {
	case !l.HasExpectedIdentity:
		connectionsAuthorized.Inc()
		adminListener.deliver(ctx, tlsConn)

	case !ok:
		log.Debug("tap: dropping connection with no peer identity")
		connectionsDropped.Inc()
		tlsConn.Close()

	case !identity.Equal(l.ExpectedIdentity):
		log.WithField("peer", identity.String()).Debug("tap: peer identity mismatch, serving unauthenticated stub")
		connectionsUnauthenticated.Inc()
		stubListener.deliver(ctx, tlsConn)

	default:
		connectionsAuthorized.Inc()
		adminListener.deliver(ctx, tlsConn)
	}
}

// chanListener is a net.Listener whose Accept draws from a channel, used to
// hand an already-authorized, already-handshaked net.Conn to one of two
// grpc.Server instances without grpc dialing a real socket twice.
type chanListener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, conns: make(chan net.Conn), closed: make(chan struct{})}
}

func (c *chanListener) deliver(ctx context.Context, conn net.Conn) {
	select {
	case c.conns <- conn:
	case <-ctx.Done():
		conn.Close()
	case <-c.closed:
		conn.Close()
	}
}

func (c *chanListener) Accept() (net.Conn, error) {
	select {
	case conn := <-c.conns:
		return conn, nil
	case <-c.closed:
		return nil, errors.New("tap: listener closed")
	}
}

func (c *chanListener) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *chanListener) Addr() net.Addr { return c.addr }
