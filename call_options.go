package tchannel

import "time"

// Format identifies the argument scheme a call uses to serialize arg2/arg3
// (spec §4.7, §9): "raw" performs no interpretation, "json" treats arg2/arg3
// as JSON documents. Mirrors the `arg1` scheme prefixes the Python client
// (tchannel/schemes/json.py) sends.
type Format string

const (
	FormatRaw  Format = "raw"
	FormatJSON Format = "json"
)

// CallOptions configures one outbound call, mirroring the keyword
// arguments accepted by the Python client's scheme call
// (`tchannel/schemes/json.py`: service, endpoint, body, headers, timeout,
// retry_on, retry_limit, hostport, shard_key, trace) translated into the Go
// idiom of a single options struct, matching the call site in
// yarpc-go's transport/tchannel/channel_outbound.go
// (`tchannel.CallOptions{Format, ShardKey, RoutingKey, RoutingDelegate}`).
type CallOptions struct {
	// Format selects the argument scheme. Defaults to FormatRaw.
	Format Format

	// ShardKey routes the call to a specific shard within the service,
	// passed through as a call header.
	ShardKey string

	// RoutingKey and RoutingDelegate steer the call through an
	// intermediary without the caller needing to know the final peer.
	RoutingKey      string
	RoutingDelegate string

	// Headers are additional application headers sent with the call.
	Headers CallHeaders

	// HostPort pins the call to a specific peer, bypassing peer selection.
	HostPort string

	// Trace identifies the call's place in a distributed trace. Defaults
	// to a fresh root trace from NewTrace.
	Trace Tracing

	// TimeToLive bounds how long the call may run before the peer
	// reports a timeout (spec §4.6). Defaults to 30s.
	TimeToLive time.Duration

	// RetryOn lists the error codes eligible for retry on another peer.
	// Defaults to DefaultRetryOn.
	RetryOn []ErrorCode

	// RetryLimit bounds the number of additional peers tried after the
	// first attempt fails retryably. Defaults to 4 (spec §4.6).
	RetryLimit int
}

func (o *CallOptions) withDefaults() *CallOptions {
	var opts CallOptions
	if o != nil {
		opts = *o
	}
	if opts.Format == "" {
		opts.Format = FormatRaw
	}
	if opts.TimeToLive <= 0 {
		opts.TimeToLive = 30 * time.Second
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 4
	}
	if opts.RetryOn == nil {
		opts.RetryOn = DefaultRetryOn
	}
	if opts.Trace.isZero() {
		opts.Trace = NewTrace()
	}
	if opts.Headers == nil {
		opts.Headers = CallHeaders{}
	}
	if opts.ShardKey != "" {
		opts.Headers["sk"] = opts.ShardKey
	}
	if opts.RoutingKey != "" {
		opts.Headers["rk"] = opts.RoutingKey
	}
	if opts.RoutingDelegate != "" {
		opts.Headers["rd"] = opts.RoutingDelegate
	}
	opts.Headers[transportHeaderArgScheme] = string(opts.Format)
	return &opts
}

// DefaultRetryOn is the retry-eligible code set used when CallOptions
// doesn't override it: connection-error, declined (spec §4.6).
var DefaultRetryOn = []ErrorCode{ErrCodeNetwork, ErrCodeDeclined}

func retryEligible(code ErrorCode, retryOn []ErrorCode) bool {
	for _, c := range retryOn {
		if c == code {
			return true
		}
	}
	return false
}
