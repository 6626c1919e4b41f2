package storage

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Blob nodes speak gRPC with protobuf well-known types on the wire:
//
//	Put    BytesValue (key in the blob-key header) -> Int64Value size
//	Get    StringValue key -> BytesValue
//	Delete StringValue key -> BoolValue existed
//	Ping   Empty -> Struct {baseDir, blobs}

const (
	serviceName = "deepsentinel.storage.BlobNode"

	putMethod    = "/" + serviceName + "/Put"
	getMethod    = "/" + serviceName + "/Get"
	deleteMethod = "/" + serviceName + "/Delete"
	pingMethod   = "/" + serviceName + "/Ping"

	// keyHeader carries the blob key of a Put.
	keyHeader = "blob-key"

	// MaxMessageSize bounds a single blob transfer.
	MaxMessageSize = 256 * 1024 * 1024
)

type PutRequest struct {
	Key  string
	Data []byte
}

type PutResponse struct {
	Size int64
}

type GetRequest struct {
	Key string
}

type GetResponse struct {
	Data []byte
}

type DeleteRequest struct {
	Key string
}

type DeleteResponse struct {
	Existed bool
}

type PingRequest struct{}

type PingResponse struct {
	BaseDir string
	Blobs   int
}

// BlobNodeServer is implemented by Server.
type BlobNodeServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
}

// unaryHandler decodes the wire message into a fresh Req and passes it through
// the interceptor chain to call.
func unaryHandler[Req proto.Message](method string, newReq func() Req, call func(context.Context, BlobNodeServer, Req) (proto.Message, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(ctx, srv.(BlobNodeServer), req.(Req))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, handler)
	}
}

func handlePut(ctx context.Context, srv BlobNodeServer, in *wrapperspb.BytesValue) (proto.Message, error) {
	var key string
	if keys := metadata.ValueFromIncomingContext(ctx, keyHeader); len(keys) > 0 {
		key = keys[0]
	}
	res, err := srv.Put(ctx, &PutRequest{Key: key, Data: in.GetValue()})
	if err != nil {
		return nil, err
	}
	return wrapperspb.Int64(res.Size), nil
}

func handleGet(ctx context.Context, srv BlobNodeServer, in *wrapperspb.StringValue) (proto.Message, error) {
	res, err := srv.Get(ctx, &GetRequest{Key: in.GetValue()})
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bytes(res.Data), nil
}

func handleDelete(ctx context.Context, srv BlobNodeServer, in *wrapperspb.StringValue) (proto.Message, error) {
	res, err := srv.Delete(ctx, &DeleteRequest{Key: in.GetValue()})
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(res.Existed), nil
}

func handlePing(ctx context.Context, srv BlobNodeServer, _ *emptypb.Empty) (proto.Message, error) {
	res, err := srv.Ping(ctx, &PingRequest{})
	if err != nil {
		return nil, err
	}
	out, err := structpb.NewStruct(map[string]any{
		"baseDir": res.BaseDir,
		"blobs":   res.Blobs,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode ping: %v", err)
	}
	return out, nil
}

func newBytes() *wrapperspb.BytesValue   { return new(wrapperspb.BytesValue) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BlobNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: unaryHandler(putMethod, newBytes, handlePut)},
		{MethodName: "Get", Handler: unaryHandler(getMethod, newString, handleGet)},
		{MethodName: "Delete", Handler: unaryHandler(deleteMethod, newString, handleDelete)},
		{MethodName: "Ping", Handler: unaryHandler(pingMethod, newEmpty, handlePing)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storage/rpc.go",
}

func RegisterBlobNodeServer(s grpc.ServiceRegistrar, srv BlobNodeServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ServerOptions returns the options a blob node gRPC server needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// Client is a connection to one blob node.
type Client struct {
	conn *grpc.ClientConn
	Addr string
}

// Dial connects to the node at addr. Extra options are appended to the
// defaults (insecure transport, raised message limits).
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, Addr: addr}, nil
}

func (c *Client) Put(ctx context.Context, in *PutRequest) (*PutResponse, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, keyHeader, in.Key)
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, putMethod, wrapperspb.Bytes(in.Data), out); err != nil {
		return nil, err
	}
	return &PutResponse{Size: out.GetValue()}, nil
}

func (c *Client) Get(ctx context.Context, in *GetRequest) (*GetResponse, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, getMethod, wrapperspb.String(in.Key), out); err != nil {
		return nil, err
	}
	return &GetResponse{Data: out.GetValue()}, nil
}

func (c *Client) Delete(ctx context.Context, in *DeleteRequest) (*DeleteResponse, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, deleteMethod, wrapperspb.String(in.Key), out); err != nil {
		return nil, err
	}
	return &DeleteResponse{Existed: out.GetValue()}, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, pingMethod, new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	fields := out.GetFields()
	return &PingResponse{
		BaseDir: fields["baseDir"].GetStringValue(),
		Blobs:   int(fields["blobs"].GetNumberValue()),
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
