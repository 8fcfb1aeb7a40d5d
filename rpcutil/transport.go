package rpcutil

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tera-db/tera/metrics"
)

// Envelope is the single grpc message every dispatched call rides in.
// Method names the logical RPC (e.g. "TabletServer.LoadTablet");
// Payload is the gob encoding of that RPC's own argument or reply
// struct, decoded against the concrete type the registered Handler
// expects.
type Envelope struct {
	Method  string
	Payload []byte
	Err     string
}

func encodeArg(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeArg(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Handler services one logical method: decode its request out of req,
// run it, and return a reply to encode back.
type Handler func(ctx context.Context, req []byte) (reply []byte, err error)

// Registry maps logical method names ("TabletServer.LoadTablet") to the
// Handler that serves them. One Registry backs one grpc.Server, letting
// a single process expose several of this module's RPC boundaries
// (TabletServerClient, MetaTabletClient, TabletFileLister, ...) through
// one listener, the way the teacher's RPCServer embeds its *Server and
// registers several proto services on one grpc.Server.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a method name to fn, panicking on a duplicate
// registration since that can only be a programming error at process
// startup.
func (r *Registry) Register(method string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("rpcutil: method %s already registered", method))
	}
	r.handlers[method] = fn
}

func (r *Registry) lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Call implements the one grpc method every Registry serves.
func (r *Registry) Call(ctx context.Context, in *Envelope) (*Envelope, error) {
	h, ok := r.lookup(in.Method)
	if !ok {
		return &Envelope{Err: fmt.Sprintf("rpcutil: unknown method %s", in.Method)}, nil
	}
	reply, err := h(ctx, in.Payload)
	if err != nil {
		return &Envelope{Err: err.Error()}, nil
	}
	return &Envelope{Payload: reply}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "tera.rpcutil.Dispatch",
	HandlerType: (*dispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
}

type dispatchServer interface {
	Call(ctx context.Context, in *Envelope) (*Envelope, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dispatchServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tera.rpcutil.Dispatch/Call"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(dispatchServer).Call(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterServer mounts registry's Dispatch service on s, so a process
// exposing several of this module's interfaces over one grpc.Server
// just needs one RegisterServer call regardless of how many logical
// methods the registry carries.
func RegisterServer(s *grpc.Server, registry *Registry) {
	s.RegisterService(&serviceDesc, registry)
}

// Client dials one grpc target and invokes logical methods against it
// by name, deserializing into the caller-supplied reply pointer.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a grpc connection to addr using the gob codec registered
// in codec.go; callers are responsible for eventually calling Close.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.Dial(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Listen opens a tcp listener on addr and returns a grpc.Server with
// registry's Dispatch service mounted and go-grpc-prometheus's unary
// interceptor wired in, the namespace-scoped ServerMetrics metrics/metric.go
// defines for every RPC this module serves.
func Listen(addr string, registry *Registry) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(metrics.GRPCMetrics.UnaryServerInterceptor()))
	RegisterServer(s, registry)
	metrics.GRPCMetrics.InitializeMetrics(s)
	return s, lis, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Call invokes method on the remote Registry, gob-encoding arg as the
// request payload and decoding the reply into reply.
func (c *Client) Call(ctx context.Context, method string, arg, reply interface{}) error {
	argBytes, err := encodeArg(arg)
	if err != nil {
		return err
	}
	out := new(Envelope)
	err = c.conn.Invoke(ctx, "/tera.rpcutil.Dispatch/Call", &Envelope{Method: method, Payload: argBytes}, out)
	if err != nil {
		return err
	}
	if out.Err != "" {
		return fmt.Errorf("rpcutil: %s: %s", method, out.Err)
	}
	if reply == nil || len(out.Payload) == 0 {
		return nil
	}
	return decodeArg(out.Payload, reply)
}
