package storage

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func startNode(t *testing.T, baseDir string) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(baseDir)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func newTestClient(t *testing.T, baseDir string) *Client {
	t.Helper()
	client, err := Dial("passthrough:///bufnet", startNode(t, baseDir))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBlobNodeRoundTrip(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	ctx := context.Background()

	put, err := client.Put(ctx, &PutRequest{Key: "uploads/a.mp4", Data: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), put.Size)

	got, err := client.Get(ctx, &GetRequest{Key: "uploads/a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got.Data)

	ping, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ping.Blobs)

	del, err := client.Delete(ctx, &DeleteRequest{Key: "uploads/a.mp4"})
	require.NoError(t, err)
	assert.True(t, del.Existed)

	del, err = client.Delete(ctx, &DeleteRequest{Key: "uploads/a.mp4"})
	require.NoError(t, err)
	assert.False(t, del.Existed)

	_, err = client.Get(ctx, &GetRequest{Key: "uploads/a.mp4"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestBlobNodeRejectsEscapingKeys(t *testing.T) {
	client := newTestClient(t, t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"", "../x", "/etc/passwd", "a/../../x"} {
		_, err := client.Put(ctx, &PutRequest{Key: key, Data: []byte("x")})
		assert.Equal(t, codes.InvalidArgument, status.Code(err), key)
		_, err = client.Get(ctx, &GetRequest{Key: key})
		assert.Equal(t, codes.InvalidArgument, status.Code(err), key)
	}
}

func TestBlobNodePingMissingBaseDir(t *testing.T) {
	srv := &Server{BaseDir: t.TempDir() + "/not-created"}
	res, err := srv.Ping(context.Background(), &PingRequest{})
	require.NoError(t, err)
	assert.Zero(t, res.Blobs)
}

func TestBlobNodeSpeaksProtobuf(t *testing.T) {
	dialer := startNode(t, t.TempDir())
	conn, err := grpc.NewClient("passthrough:///bufnet", dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	data := bytes.Repeat([]byte{0xff, 0x00}, 512)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "blob-key", "uploads/raw.mkv")
	size := new(wrapperspb.Int64Value)
	require.NoError(t, conn.Invoke(ctx, "/deepsentinel.storage.BlobNode/Put", wrapperspb.Bytes(data), size))
	assert.Equal(t, int64(len(data)), size.GetValue())

	got := new(wrapperspb.BytesValue)
	require.NoError(t, conn.Invoke(context.Background(), "/deepsentinel.storage.BlobNode/Get", wrapperspb.String("uploads/raw.mkv"), got))
	assert.Equal(t, data, got.GetValue())

	ping := new(structpb.Struct)
	require.NoError(t, conn.Invoke(context.Background(), "/deepsentinel.storage.BlobNode/Ping", new(emptypb.Empty), ping))
	assert.Equal(t, 1.0, ping.GetFields()["blobs"].GetNumberValue())

	// A Put without the key header has nowhere to go.
	err = conn.Invoke(context.Background(), "/deepsentinel.storage.BlobNode/Put", wrapperspb.Bytes(data), new(wrapperspb.Int64Value))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
