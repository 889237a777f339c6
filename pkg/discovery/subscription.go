package discovery

import (
	"context"
	"errors"
	"io"
	"math"
	"time"

	destpb "github.com/linkerd/linkerd2-proxy-api/go/destination"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/apimachinery/pkg/util/wait"
)

// updateReceiver is the subset of destpb.Destination_GetClient that
// Subscription depends on, so that reconnect behavior can be exercised with
// a fake in tests without a real gRPC connection.
type updateReceiver interface {
	Recv() (*destpb.Update, error)
}

type streamOpener func(ctx context.Context) (updateReceiver, error)

// Subscription owns a long-lived, server-streaming RPC for one authority and
// feeds the decoded deltas it observes into a DeltaCache, transparently
// reopening the stream on transient failure.
type Subscription struct {
	authority    Authority
	contextToken string
	open         streamOpener

	// ReconnectBackoff is the initial delay before retrying after a
	// transient error. It doubles on each consecutive failure up to
	// ReconnectBackoffCap, and resets back to this value as soon as any
	// message is received on the stream. Each delay is then stretched by
	// a random jitter of up to 20%. Defaults to one second.
	ReconnectBackoff time.Duration
	// ReconnectBackoffCap bounds the reconnect delay before jitter is
	// applied, so an actual wait can exceed it by up to 20%. Defaults to
	// 30 seconds.
	ReconnectBackoffCap time.Duration
}

// NewSubscription builds a Subscription against a real destination client.
func NewSubscription(client destpb.DestinationClient, authority Authority, contextToken string) *Subscription {
	return &Subscription{
		authority:    authority,
		contextToken: contextToken,
		open: func(ctx context.Context) (updateReceiver, error) {
			return client.Get(ctx, &destpb.GetDestination{
				Scheme:       "k8s",
				Path:         authority.String(),
				ContextToken: contextToken,
			})
		},
		ReconnectBackoff: time.Second,
	}
}

// Run drives the subscription until ctx is done or the authority is
// declared permanently ineligible, dispatching every observed delta into
// cache. When ctx ends, Run returns ctx.Err(); ErrIneligible means the
// authority must not be retried.
func (s *Subscription) Run(ctx context.Context, cache *DeltaCache) error {
	base := s.ReconnectBackoff
	if base <= 0 {
		base = time.Second
	}
	backoffCap := s.ReconnectBackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	newBackoff := func() wait.Backoff {
		return wait.Backoff{Duration: base, Factor: 2, Jitter: 0.2, Cap: backoffCap, Steps: math.MaxInt32}
	}
	backoff := newBackoff()

	log := log.WithFields(log.Fields{"authority": s.authority.String()})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stream, err := s.open(ctx)
		if err != nil {
			log.WithError(err).Warn("discovery: failed to open subscription, reconnecting")
			if !sleep(ctx, backoff.Step()) {
				return ctx.Err()
			}
			continue
		}

		received, err := drain(stream, cache)
		if received {
			// A message arrived, so the connection was healthy for at
			// least a moment: forgive any prior consecutive failures.
			backoff = newBackoff()
		}
		switch {
		case err == nil:
			// Logical end-of-stream: reopen immediately.
			log.Info("discovery: subscription reconnect")
			continue
		case errors.Is(err, ErrIneligible):
			cache.NoEndpoints()
			log.Warn("discovery: authority ineligible, terminating subscription permanently")
			return ErrIneligible
		default:
			log.WithError(err).Warn("discovery: subscription error, reconnecting")
			if !sleep(ctx, backoff.Step()) {
				return ctx.Err()
			}
		}
	}
}

// drain reads messages from stream until it ends, dispatching each decoded
// delta into cache. It returns nil on a clean end-of-stream, ErrIneligible on
// an InvalidArgument status, or any other error on a transient failure;
// received reports whether at least one message was read before that.
func drain(stream updateReceiver, cache *DeltaCache) (received bool, err error) {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return received, nil
		}
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == codes.InvalidArgument {
				return received, ErrIneligible
			}
			return received, err
		}
		received = true

		for _, update := range DecodeUpdates(msg) {
			switch update.Kind {
			case Add:
				cache.Add(Endpoint{Addr: update.Addr, Metadata: update.Metadata})
			case Remove:
				cache.Remove(update.Addr)
			case NoEndpoints:
				cache.NoEndpoints()
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
