// Command proxy-discover wires the endpoint subscription, delta cache,
// discover adapter, and tap listener described by this repository into one
// runnable sidecar-side process.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	destpb "github.com/linkerd/linkerd2-proxy-api/go/destination"

	internallog "github.com/linkerd/proxy-discovery/internal/log"
	"github.com/linkerd/proxy-discovery/pkg/admin"
	"github.com/linkerd/proxy-discovery/pkg/discover"
	"github.com/linkerd/proxy-discovery/pkg/discovery"
	"github.com/linkerd/proxy-discovery/pkg/dnsname"
	"github.com/linkerd/proxy-discovery/pkg/tap"
)

func main() {
	destinationAddr := flag.String("destination-addr", "", "address of the remote discovery (Destination) service")
	authorityName := flag.String("authority-name", "", "logical name of the authority to subscribe to")
	authorityPort := flag.Int("authority-port", 80, "port of the authority to subscribe to")
	contextToken := flag.String("context-token", "", "opaque context token sent with the subscription request")
	maxConcurrentBuilds := flag.Int("max-concurrent-builds", 64, "bound on concurrent child-service builds; 0 means unbounded")

	tapAddr := flag.String("tap-addr", "", "address to bind the tap listener on; empty disables it")
	tapCertFile := flag.String("tap-tls-cert-file", "", "PEM certificate presented by the tap listener")
	tapKeyFile := flag.String("tap-tls-key-file", "", "PEM private key for -tap-tls-cert-file")
	tapClientCAFile := flag.String("tap-tls-client-ca-file", "", "PEM CA bundle used to verify tap client certificates")
	tapExpectedIdentity := flag.String("tap-expected-identity", "", "expected peer identity for tap connections; empty authorizes any peer")

	adminAddr := flag.String("admin-addr", ":9990", "address for the metrics/ping/ready admin server")
	enablePprof := flag.Bool("enable-pprof", false, "Enable pprof endpoints on the admin server")

	internallog.ConfigureAndParse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adminServer := admin.NewServer(*adminAddr, *enablePprof)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.WithError(err).Warn("admin server exited")
		}
	}()

	if *authorityName != "" {
		if err := runDiscovery(ctx, *destinationAddr, *authorityName, *authorityPort, *contextToken, *maxConcurrentBuilds); err != nil {
			log.WithError(err).Fatal("discovery pipeline failed")
		}
	}

	if *tapAddr != "" {
		if err := runTap(ctx, *tapAddr, *tapCertFile, *tapKeyFile, *tapClientCAFile, *tapExpectedIdentity); err != nil {
			log.WithError(err).Fatal("tap listener failed")
		}
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	adminServer.Shutdown(shutdownCtx)
}

func runDiscovery(ctx context.Context, destinationAddr, authorityName string, authorityPort int, contextToken string, maxConcurrentBuilds int) error {
	if destinationAddr == "" {
		return errors.New("-destination-addr is required when -authority-name is set")
	}

	name, err := dnsname.Parse(authorityName)
	if err != nil {
		return err
	}
	authority := discovery.Authority{Name: name, Port: uint16(authorityPort)}

	conn, err := grpc.Dial(destinationAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	client := destpb.NewDestinationClient(conn)

	cache := discovery.NewDeltaCache()
	sub := discovery.NewSubscription(client, authority, contextToken)

	go func() {
		if err := sub.Run(ctx, cache); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).WithField("authority", authority.String()).Warn("subscription ended")
		}
	}()

	d := discover.New(authority.String(), cache, dialFactory{}, maxConcurrentBuilds)
	go d.Run(ctx)

	go func() {
		for {
			select {
			case change, ok := <-d.Changes():
				if !ok {
					return
				}
				logChange(authority, change)
			case err := <-d.Err():
				log.WithError(err).WithField("authority", authority.String()).Error("discover stream failed")
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func logChange(authority discovery.Authority, change discover.Change[net.Conn]) {
	fields := log.Fields{"authority": authority.String(), "addr": change.Addr.String()}
	switch change.Kind {
	case discover.Insert:
		log.WithFields(fields).Info("endpoint inserted")
	case discover.Remove:
		log.WithFields(fields).Info("endpoint removed")
	}
}

// dialFactory is an illustrative ChildServiceFactory: it dials the endpoint
// over TCP and hands the balancer the resulting connection. A real balancer
// would build a richer client service here; constructing one is the proxy
// data path, which this repository's scope does not cover.
type dialFactory struct{}

func (dialFactory) Build(ctx context.Context, ep discovery.Endpoint) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", ep.Addr.String())
}

func runTap(ctx context.Context, addr, certFile, keyFile, clientCAFile, expectedIdentity string) error {
	if certFile == "" || keyFile == "" {
		return errors.New("-tap-tls-cert-file and -tap-tls-key-file are required when -tap-addr is set")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if clientCAFile != "" {
		pool, err := loadCertPool(clientCAFile)
		if err != nil {
			return err
		}
		tlsConfig.ClientCAs = pool
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	l := tap.NewListener(ln, tlsConfig, func(s *grpc.Server) {
		// The admin RPC's own semantics are out of this repository's scope;
		// a deployment wires its real service registration in here.
	})
	if expectedIdentity != "" {
		name, err := dnsname.Parse(expectedIdentity)
		if err != nil {
			return err
		}
		l.ExpectedIdentity = name
		l.HasExpectedIdentity = true
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		if err := l.Serve(ctx); err != nil {
			log.WithError(err).Warn("tap listener exited")
		}
	}()

	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
