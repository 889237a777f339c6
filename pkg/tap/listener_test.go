package tap

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/linkerd/proxy-discovery/pkg/dnsname"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{cert: cert, key: key, pool: pool}
}

func (ca *testCA) issue(t *testing.T, cn string) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{cn},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func dialHandshake(t *testing.T, clientConn net.Conn, cert tls.Certificate, pool *x509.CertPool) {
	t.Helper()
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   "server",
		MinVersion:   tls.VersionTLS12,
	}
	tlsClient := tls.Client(clientConn, cfg)
	if err := tlsClient.Handshake(); err != nil {
		t.Errorf("client handshake: %v", err)
	}
}

func newListenerUnderTest(t *testing.T, ca *testCA, serverCert tls.Certificate, expected dnsname.Name, hasExpected bool) *Listener {
	t.Helper()
	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    ca.pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	return &Listener{
		tlsConfig:           serverCfg,
		ExpectedIdentity:    expected,
		HasExpectedIdentity: hasExpected,
	}
}

func TestHandleConnAuthorizedWhenNoExpectedIdentity(t *testing.T) {
	ca := newTestCA(t)
	serverCert := ca.issue(t, "server")
	clientCert := ca.issue(t, "client.example.com")

	l := newListenerUnderTest(t, ca, serverCert, dnsname.Name{}, false)
	serverConn, clientConn := net.Pipe()

	admin := newChanListener(nil)
	stub := newChanListener(nil)

	go dialHandshake(t, clientConn, clientCert, ca.pool)
	go l.handleConn(context.Background(), serverConn, admin, stub)

	select {
	case <-admin.conns:
	case <-time.After(time.Second):
		t.Fatal("expected connection delivered to admin listener")
	}
}

func TestHandleConnUnauthenticatedOnMismatch(t *testing.T) {
	ca := newTestCA(t)
	serverCert := ca.issue(t, "server")
	clientCert := ca.issue(t, "client.example.com")
	expected, _ := dnsname.Parse("expected.example.com")

	l := newListenerUnderTest(t, ca, serverCert, expected, true)
	serverConn, clientConn := net.Pipe()

	admin := newChanListener(nil)
	stub := newChanListener(nil)

	go dialHandshake(t, clientConn, clientCert, ca.pool)
	go l.handleConn(context.Background(), serverConn, admin, stub)

	select {
	case <-stub.conns:
	case <-time.After(time.Second):
		t.Fatal("expected connection delivered to stub listener")
	}
}

func TestHandleConnAuthorizedOnMatch(t *testing.T) {
	ca := newTestCA(t)
	serverCert := ca.issue(t, "server")
	clientCert := ca.issue(t, "expected.example.com")
	expected, _ := dnsname.Parse("expected.example.com")

	l := newListenerUnderTest(t, ca, serverCert, expected, true)
	serverConn, clientConn := net.Pipe()

	admin := newChanListener(nil)
	stub := newChanListener(nil)

	go dialHandshake(t, clientConn, clientCert, ca.pool)
	go l.handleConn(context.Background(), serverConn, admin, stub)

	select {
	case <-admin.conns:
	case <-time.After(time.Second):
		t.Fatal("expected connection delivered to admin listener")
	}
}

func TestHandleConnDropsWithoutClientCert(t *testing.T) {
	ca := newTestCA(t)
	serverCert := ca.issue(t, "server")

	l := newListenerUnderTest(t, ca, serverCert, dnsname.Name{}, false)
	serverConn, clientConn := net.Pipe()

	admin := newChanListener(nil)
	stub := newChanListener(nil)

	cfg := &tls.Config{
		RootCAs:    ca.pool,
		ServerName: "server",
		MinVersion: tls.VersionTLS12,
	}
	go func() {
		tlsClient := tls.Client(clientConn, cfg)
		_ = tlsClient.Handshake() // expected to fail: server requires a client cert
	}()

	done := make(chan struct{})
	go func() {
		l.handleConn(context.Background(), serverConn, admin, stub)
		close(done)
	}()

	select {
	case <-admin.conns:
		t.Fatal("connection with no client cert must not reach admin")
	case <-stub.conns:
		t.Fatal("connection with no client cert must not reach stub")
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConn never returned")
	}
}
