package dnsname

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// ErrNoAddressesFound is returned by ResolveOne when a name resolves to an
// empty address list.
var ErrNoAddressesFound = errors.New("dnsname: no addresses found")

// Response is the outcome of a resolution: either the name exists (with a
// value) or it does not, bounded by a retry-after duration derived from the
// negative-cache TTL of the answer.
type Response[T any] struct {
	exists     bool
	value      T
	retryAfter time.Duration
}

// Exists builds a Response carrying a positive answer.
func Exists[T any](v T) Response[T] { return Response[T]{exists: true, value: v} }

// DoesNotExist builds a Response carrying a negative answer, with the
// duration after which the caller may retry.
func DoesNotExist[T any](retryAfter time.Duration) Response[T] {
	return Response[T]{retryAfter: retryAfter}
}

// Get returns the positive value and true, or the zero value and false.
func (r Response[T]) Get() (T, bool) { return r.value, r.exists }

// RetryAfter returns the negative-cache duration; meaningful only when the
// response does not exist.
func (r Response[T]) RetryAfter() time.Duration { return r.retryAfter }

// RefinedName is a canonicalized Name bounded by a validity deadline after
// which it must be re-resolved.
type RefinedName struct {
	Name     Name
	Deadline time.Time
}

// Resolver issues DNS queries against a configured set of upstream servers.
// It never consults its own cache: every call issues a fresh round-trip, and
// the caller is responsible for honoring the validity deadlines it returns.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// NewResolver builds a Resolver that queries the given "host:port" servers
// in order, falling back to the next on failure.
func NewResolver(servers []string) *Resolver {
	if len(servers) == 0 {
		servers = []string{"8.8.8.8:53"}
	}
	return &Resolver{
		client:  &dns.Client{Timeout: 5 * time.Second},
		servers: servers,
	}
}

// NewResolverFromSystemConfig builds a Resolver from /etc/resolv.conf,
// falling back to NewResolver's default if it cannot be read.
func NewResolverFromSystemConfig() (*Resolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return NewResolver(nil), nil
	}
	servers := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		servers[i] = net.JoinHostPort(s, cfg.Port)
	}
	return NewResolver(servers), nil
}

// Refine canonicalizes name: it issues a query solely to follow any CNAME
// chain and to learn a TTL, then discards the addresses. The returned
// RefinedName's Deadline is derived from the minimum TTL observed.
func (r *Resolver) Refine(ctx context.Context, name Name) (RefinedName, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name.WithoutTrailingDot()), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.exchange(ctx, msg)
	if err != nil {
		return RefinedName{}, fmt.Errorf("dnsname: refine %s: %w", name, err)
	}

	canonical := name
	minTTL := uint32(0)
	haveTTL := false
	for _, rr := range reply.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			if n, err := Parse(cname.Target); err == nil {
				canonical = n
			}
		}
		ttl := rr.Header().Ttl
		if !haveTTL || ttl < minTTL {
			minTTL = ttl
			haveTTL = true
		}
	}

	deadline := defaultRefineTTL(reply, haveTTL, minTTL)
	return RefinedName{Name: canonical, Deadline: time.Now().Add(deadline)}, nil
}

func defaultRefineTTL(reply *dns.Msg, haveTTL bool, minTTL uint32) time.Duration {
	if haveTTL {
		return time.Duration(minTTL) * time.Second
	}
	if ttl := negativeTTL(reply); ttl > 0 {
		return ttl
	}
	return 30 * time.Second
}

// ResolveAll delays until the given deadline, then resolves name to its full
// address list. It never times out the DNS call itself; it only gates when
// the call is issued, throttling background refresh to the caller's cadence.
func (r *Resolver) ResolveAll(ctx context.Context, name Name, deadline time.Time) (Response[[]net.IP], error) {
	if err := waitUntil(ctx, deadline); err != nil {
		return Response[[]net.IP]{}, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name.WithoutTrailingDot()), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.exchange(ctx, msg)
	if err != nil {
		return Response[[]net.IP]{}, fmt.Errorf("dnsname: resolve_all %s: %w", name, err)
	}

	var ips []net.IP
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}

	if len(ips) == 0 {
		retryAfter := negativeTTL(reply)
		if retryAfter == 0 {
			retryAfter = 30 * time.Second
		}
		log.WithFields(log.Fields{"name": name.String()}).Debug("name does not exist, will retry")
		return DoesNotExist[[]net.IP](retryAfter), nil
	}

	return Exists(ips), nil
}

// ResolveOne resolves name and returns its first address, failing with
// ErrNoAddressesFound if the name has no records.
func (r *Resolver) ResolveOne(ctx context.Context, name Name) (net.IP, error) {
	resp, err := r.ResolveAll(ctx, name, time.Now())
	if err != nil {
		return nil, err
	}
	ips, ok := resp.Get()
	if !ok || len(ips) == 0 {
		return nil, ErrNoAddressesFound
	}
	return ips[0], nil
}

func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, time.Duration, error) {
	var lastErr error
	for _, server := range r.servers {
		reply, rtt, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess && reply.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("server %s returned rcode %s", server, dns.RcodeToString[reply.Rcode])
			continue
		}
		return reply, rtt, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no resolver servers configured")
	}
	return nil, 0, lastErr
}

func negativeTTL(reply *dns.Msg) time.Duration {
	for _, rr := range reply.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return time.Duration(soa.Minttl) * time.Second
		}
	}
	return 0
}

func waitUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
