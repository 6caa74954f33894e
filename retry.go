package tchannel

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// retryBackoffLimiter paces the delay between retry attempts on the same
// call: each retry reserves a token and waits out whatever delay the
// limiter assigns, which both backs off under sustained failure (the
// limiter's bucket drains) and jitters naturally (reservations queue
// behind whatever else is retrying concurrently on the channel).
type retryBackoffLimiter struct {
	limiter *rate.Limiter
}

func newRetryBackoffLimiter() *retryBackoffLimiter {
	// Burst of 4 lets the first few retries proceed immediately; the
	// steady 10/s refill rate caps how fast a Channel will keep re-dialing
	// a flaky peer set (spec §4.6's retry budget is per-call, this is the
	// channel-wide pacing that keeps a retry storm from saturating dials).
	return &retryBackoffLimiter{limiter: rate.NewLimiter(10, 4)}
}

func (l *retryBackoffLimiter) wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return nil
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	// add up to 20% jitter so concurrently-retrying callers don't all wake
	// at exactly the same instant
	delay += time.Duration(rand.Int63n(int64(delay)/5 + 1))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// roundTrip drives one logical call through peer selection and retry (spec
// §4.5, §4.6): it picks a peer, sends the call, and — if the call fails
// with a retryable code and attempts remain — excludes that peer and tries
// again, pacing attempts through a shared backoff limiter.
func roundTrip(ctx context.Context, peers *PeerList, limiter *retryBackoffLimiter, serviceName, operation string,
	opts *CallOptions, reqArg2, reqArg3 Output, resArg2, resArg3 Input) (*OutboundCallResponse, error) {

	opts = opts.withDefaults()
	excluded := make(map[string]bool)
	var lastErr error
	start := time.Now()

	for attempt := 0; attempt <= opts.RetryLimit; attempt++ {
		if attempt > 0 {
			if err := limiter.wait(ctx); err != nil {
				return nil, err
			}
		}

		// Re-derive the remaining budget from the original TTL on every
		// attempt, including the first, rather than re-sending the fixed
		// opts.TimeToLive: earlier attempts (peer selection, a prior
		// timed-out call, the backoff wait above) all spend real time, and
		// spec §4.6 requires failing Timeout without dialing once that
		// budget is exhausted instead of handing a stale deadline to the
		// next peer.
		remaining := opts.TimeToLive - time.Since(start)
		if remaining <= 0 {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, ErrTimeout
		}

		var peer *Peer
		var err error
		if opts.HostPort != "" {
			peer = peers.Add(opts.HostPort)
		} else {
			peer, err = peers.Choose(excluded)
			if err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		res, err := attemptCall(ctx, peer, serviceName, operation, remaining, opts, reqArg2, reqArg3, resArg2, resArg3)
		if err == nil {
			peer.onCallFinish()
			return res, nil
		}

		peer.onCallFailure()
		peer.onCallFinish()
		lastErr = err

		if opts.HostPort != "" {
			// a pinned peer is never retried against a different host
			return nil, err
		}

		code := GetSystemErrorCode(err)
		if !retryEligible(code, opts.RetryOn) {
			return nil, err
		}

		excluded[peer.HostPort()] = true
	}

	return nil, lastErr
}

func attemptCall(ctx context.Context, peer *Peer, serviceName, operation string, ttl time.Duration, opts *CallOptions,
	reqArg2, reqArg3 Output, resArg2, resArg3 Input) (*OutboundCallResponse, error) {

	peer.onCallStart()

	conn, err := peer.getConnection(ctx)
	if err != nil {
		return nil, err
	}

	call, err := conn.outbound.beginCall(ctx, serviceName, ttl, opts)
	if err != nil {
		return nil, err
	}

	if err := call.WriteArg1(operation); err != nil {
		return nil, err
	}
	if err := call.WriteArg2(reqArg2); err != nil {
		return nil, err
	}
	if err := call.WriteArg3(reqArg3); err != nil {
		return nil, err
	}

	res, err := call.Response()
	if err != nil {
		return nil, err
	}

	if err := res.ReadArg2(resArg2); err != nil {
		return nil, err
	}
	if err := res.ReadArg3(resArg3); err != nil {
		return nil, err
	}

	return res, nil
}
