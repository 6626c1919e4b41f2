package blob

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/thswjdguq/deepsentinel/internal/resource"
	"github.com/thswjdguq/deepsentinel/internal/storage"
)

// startNodes runs n storage nodes on in-memory listeners and returns their
// addresses, their base directories and a dial option reaching them.
func startNodes(t *testing.T, n int) ([]string, map[string]string, grpc.DialOption) {
	t.Helper()
	listeners := map[string]*bufconn.Listener{}
	dirs := map[string]string{}
	var addrs []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("node-%d", i)
		lis := bufconn.Listen(1 << 20)
		dir := t.TempDir()
		srv := storage.NewGRPCServer(dir)
		go srv.Serve(lis)
		t.Cleanup(srv.Stop)

		listeners[name] = lis
		addr := "passthrough:///" + name
		dirs[addr] = dir
		addrs = append(addrs, addr)
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, fmt.Errorf("unknown node %s", addr)
		}
		return lis.DialContext(ctx)
	})
	return addrs, dirs, dialer
}

func TestNetworkStoreRoundTrip(t *testing.T) {
	addrs, dirs, dialer := startNodes(t, 3)
	store, err := NewNetworkStore(addrs, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	assert.ElementsMatch(t, addrs, store.Nodes())

	refs := map[string]string{}
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("video-%02d.mp4", i)
		ref, err := store.Save(ctx, name, strings.NewReader("payload "+name))
		require.NoError(t, err)
		assert.Equal(t, "nw://uploads/"+name, ref)
		refs[name] = ref
	}

	for name, ref := range refs {
		// Each blob lives on exactly one node.
		holders := 0
		for _, dir := range dirs {
			if _, err := os.Stat(filepath.Join(dir, "uploads", name)); err == nil {
				holders++
			}
		}
		assert.Equal(t, 1, holders, name)

		rc, err := store.Open(ctx, ref)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Equal(t, "payload "+name, string(data))
	}

	ref := refs["video-00.mp4"]
	require.NoError(t, store.Delete(ctx, ref))
	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Open(ctx, ref)
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestNetworkStoreRejects(t *testing.T) {
	_, err := NewNetworkStore(nil)
	assert.Error(t, err)
	_, err = NewNetworkStore([]string{" ", ""})
	assert.Error(t, err)

	addrs, _, dialer := startNodes(t, 1)
	store, err := NewNetworkStore(addrs, dialer)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Open(context.Background(), "s3://bucket/uploads/a.mp4")
	assert.Error(t, err)
	assert.Error(t, store.Delete(context.Background(), "nw://"))
}
