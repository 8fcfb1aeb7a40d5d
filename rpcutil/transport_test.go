package rpcutil

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

func startTestServer(t *testing.T, registry *Registry) *Client {
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer()
	RegisterServer(s, registry)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &Client{conn: conn}
}

type echoArg struct{ Msg string }
type echoReply struct{ Msg string }

func TestRegistryDispatchesRegisteredMethod(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Echo.Say", func(ctx context.Context, req []byte) ([]byte, error) {
		var a echoArg
		require.NoError(t, decodeArg(req, &a))
		return encodeArg(echoReply{Msg: "echo:" + a.Msg})
	})

	client := startTestServer(t, registry)

	var reply echoReply
	err := client.Call(context.Background(), "Echo.Say", echoArg{Msg: "hi"}, &reply)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", reply.Msg)
}

func TestRegistryReturnsErrorForUnknownMethod(t *testing.T) {
	registry := NewRegistry()
	client := startTestServer(t, registry)

	err := client.Call(context.Background(), "Nonexistent.Method", echoArg{}, nil)
	assert.Error(t, err)
}

func TestRegistryPropagatesHandlerError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Echo.Fail", func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	client := startTestServer(t, registry)

	err := client.Call(context.Background(), "Echo.Fail", echoArg{}, nil)
	assert.Error(t, err)
}

func TestRegistryRegisterPanicsOnDuplicateMethod(t *testing.T) {
	registry := NewRegistry()
	registry.Register("Echo.Say", func(ctx context.Context, req []byte) ([]byte, error) { return nil, nil })

	assert.Panics(t, func() {
		registry.Register("Echo.Say", func(ctx context.Context, req []byte) ([]byte, error) { return nil, nil })
	})
}
