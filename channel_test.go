package tchannel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, processName string) *Channel {
	t.Helper()
	ch, err := NewChannel("127.0.0.1:0", &ChannelOptions{ProcessName: processName})
	require.NoError(t, err)
	go ch.ListenAndHandle()
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestChannelEchoCallRoundTrip(t *testing.T) {
	server := newTestChannel(t, "echo-server")
	server.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var arg2, arg3 []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&arg2)))
		require.NoError(t, call.ReadArg3(NewBytesInput(&arg3)))

		res := call.Response()
		require.NoError(t, res.SetHeaders(CallHeaders{"h": "ok"}))
		require.NoError(t, res.WriteArg2(BytesOutput(arg2)))
		require.NoError(t, res.WriteArg3(BytesOutput(arg3)))
	}), "echo", "echo")

	client := newTestChannel(t, "echo-client")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := client.BeginCall(ctx, server.HostPort(), "echo", "echo", nil)
	require.NoError(t, err)
	require.NoError(t, call.WriteArg2(BytesOutput("")))
	require.NoError(t, call.WriteArg3(BytesOutput("hello world")))

	res, err := call.Response()
	require.NoError(t, err)
	assert.False(t, res.ApplicationError())

	var headers, body []byte
	require.NoError(t, res.ReadArg2(NewBytesInput(&headers)))
	require.NoError(t, res.ReadArg3(NewBytesInput(&body)))
	assert.Equal(t, "hello world", string(body))
}

func TestChannelCallUnknownEndpointReturnsBadRequest(t *testing.T) {
	server := newTestChannel(t, "noop-server")
	client := newTestChannel(t, "noop-client")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resArg2, resArg3 []byte
	_, err := client.Call(ctx, "noop", "does-not-exist", &CallOptions{HostPort: server.HostPort(), RetryLimit: 0},
		BytesOutput(""), BytesOutput(""), NewBytesInput(&resArg2), NewBytesInput(&resArg3))
	require.Error(t, err)
	assert.Equal(t, ErrCodeBadRequest, GetSystemErrorCode(err))
}

func TestChannelCallApplicationError(t *testing.T) {
	server := newTestChannel(t, "apperr-server")
	server.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var arg2, arg3 []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&arg2)))
		require.NoError(t, call.ReadArg3(NewBytesInput(&arg3)))

		res := call.Response()
		require.NoError(t, res.SetApplicationError())
		require.NoError(t, res.WriteArg2(BytesOutput("")))
		require.NoError(t, res.WriteArg3(BytesOutput("bad input")))
	}), "apperr", "fail")

	client := newTestChannel(t, "apperr-client")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resArg2, resArg3 []byte
	res, err := client.Call(ctx, "apperr", "fail", &CallOptions{HostPort: server.HostPort(), RetryLimit: 0},
		BytesOutput(""), BytesOutput(""), NewBytesInput(&resArg2), NewBytesInput(&resArg3))
	require.NoError(t, err)
	assert.True(t, res.ApplicationError())
	assert.Equal(t, "bad input", string(resArg3))
}

func TestChannelCallDeadlineExceeded(t *testing.T) {
	server := newTestChannel(t, "slow-server")
	unblock := make(chan struct{})
	t.Cleanup(func() { close(unblock) })

	server.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var arg2, arg3 []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&arg2)))
		require.NoError(t, call.ReadArg3(NewBytesInput(&arg3)))
		<-unblock
	}), "slow", "wait")

	client := newTestChannel(t, "slow-client")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var resArg2, resArg3 []byte
	_, err := client.Call(ctx, "slow", "wait", &CallOptions{HostPort: server.HostPort(), RetryLimit: 0, TimeToLive: 100 * time.Millisecond},
		BytesOutput(""), BytesOutput(""), NewBytesInput(&resArg2), NewBytesInput(&resArg3))
	require.Error(t, err)
}

type greetRequest struct {
	Name string `json:"name"`
}

type greetResponse struct {
	Greeting string `json:"greeting"`
}

func TestChannelJSONSchemeRoundTrip(t *testing.T) {
	server := newTestChannel(t, "json-server")
	server.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var hdr []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&hdr)))

		var req greetRequest
		require.NoError(t, call.DecodeArg3(&req))
		assert.Equal(t, FormatJSON, Format(call.Headers()[transportHeaderArgScheme]))

		res := call.Response()
		require.NoError(t, res.WriteArg2(BytesOutput("")))
		require.NoError(t, res.EncodeArg3(greetResponse{Greeting: "hello " + req.Name}))
	}), "greeter", "greet")

	client := newTestChannel(t, "json-client")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call, err := client.BeginCall(ctx, server.HostPort(), "greeter", "greet",
		&CallOptions{Format: FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, JSONScheme{}, call.Scheme())

	require.NoError(t, call.WriteArg2(BytesOutput("")))
	require.NoError(t, call.EncodeArg3(greetRequest{Name: "world"}))

	res, err := call.Response()
	require.NoError(t, err)
	assert.False(t, res.ApplicationError())

	var hdr []byte
	require.NoError(t, res.ReadArg2(NewBytesInput(&hdr)))

	var got greetResponse
	require.NoError(t, res.DecodeArg3(&got))
	assert.Equal(t, "hello world", got.Greeting)
}

func TestChannelCallRetriesAcrossPeers(t *testing.T) {
	declining := newTestChannel(t, "declining-server")
	declining.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var arg2, arg3 []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&arg2)))
		require.NoError(t, call.ReadArg3(NewBytesInput(&arg3)))
		call.Response().SendSystemError(NewSystemError(ErrCodeDeclined, "overloaded"))
	}), "greet", "hello")

	accepting := newTestChannel(t, "accepting-server")
	accepting.Register(HandlerFunc(func(ctx context.Context, call *InboundCall) {
		var arg2, arg3 []byte
		require.NoError(t, call.ReadArg2(NewBytesInput(&arg2)))
		require.NoError(t, call.ReadArg3(NewBytesInput(&arg3)))
		res := call.Response()
		require.NoError(t, res.WriteArg2(BytesOutput("")))
		require.NoError(t, res.WriteArg3(BytesOutput("hi")))
	}), "greet", "hello")

	client := newTestChannel(t, "greet-client")
	client.Peers().Add(declining.HostPort())
	client.Peers().Add(accepting.HostPort())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resArg2, resArg3 []byte
	res, err := client.Call(ctx, "greet", "hello", &CallOptions{RetryLimit: 2},
		BytesOutput(""), BytesOutput(""), NewBytesInput(&resArg2), NewBytesInput(&resArg3))
	require.NoError(t, err)
	assert.False(t, res.ApplicationError())
	assert.Equal(t, "hi", string(resArg3))
}
