package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thswjdguq/deepsentinel/internal/resource"
	"github.com/thswjdguq/deepsentinel/internal/storage"
)

const nwScheme = "nw://"

// NetworkStore spreads blobs over storage nodes using consistent hashing on
// the blob key. Refs have the form nw://<key>.
type NetworkStore struct {
	nodes   map[string]*storage.Client
	ring    []uint64
	ringMap map[uint64]string
}

var _ resource.BlobStore = (*NetworkStore)(nil)

func NewNetworkStore(addresses []string, opts ...grpc.DialOption) (*NetworkStore, error) {
	if len(addresses) == 0 {
		return nil, errors.New("network blob store requires at least one storage address")
	}
	n := &NetworkStore{
		nodes:   make(map[string]*storage.Client),
		ringMap: make(map[uint64]string),
	}
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		client, err := storage.Dial(addr, opts...)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
		}
		n.nodes[addr] = client
		hash := hashStringToUint64(addr)
		n.ring = append(n.ring, hash)
		n.ringMap[hash] = addr
	}
	if len(n.ring) == 0 {
		return nil, errors.New("network blob store requires at least one storage address")
	}
	sort.Slice(n.ring, func(i, j int) bool { return n.ring[i] < n.ring[j] })
	return n, nil
}

func (n *NetworkStore) getNode(key string) *storage.Client {
	hash := hashStringToUint64(key)
	for _, nodeHash := range n.ring {
		if hash <= nodeHash {
			return n.nodes[n.ringMap[nodeHash]]
		}
	}
	return n.nodes[n.ringMap[n.ring[0]]]
}

func (n *NetworkStore) key(ref string) (string, error) {
	if !strings.HasPrefix(ref, nwScheme) || len(ref) == len(nwScheme) {
		return "", fmt.Errorf("invalid network blob ref %q", ref)
	}
	return strings.TrimPrefix(ref, nwScheme), nil
}

// Save buffers the blob in memory; node transfers are single messages.
func (n *NetworkStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read blob: %w", err)
	}
	key := path.Join("uploads", path.Base(name))
	client := n.getNode(key)
	if _, err := client.Put(ctx, &storage.PutRequest{Key: key, Data: data}); err != nil {
		return "", fmt.Errorf("failed to write blob to %s: %w", client.Addr, err)
	}
	return nwScheme + key, nil
}

func (n *NetworkStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key, err := n.key(ref)
	if err != nil {
		return nil, err
	}
	client := n.getNode(key)
	res, err := client.Get(ctx, &storage.GetRequest{Key: key})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: blob %s", resource.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read blob from %s: %w", client.Addr, err)
	}
	return io.NopCloser(bytes.NewReader(res.Data)), nil
}

func (n *NetworkStore) Delete(ctx context.Context, ref string) error {
	key, err := n.key(ref)
	if err != nil {
		return err
	}
	client := n.getNode(key)
	if _, err := client.Delete(ctx, &storage.DeleteRequest{Key: key}); err != nil {
		return fmt.Errorf("failed to delete blob from %s: %w", client.Addr, err)
	}
	return nil
}

// Nodes returns the connected node addresses in ring order.
func (n *NetworkStore) Nodes() []string {
	out := make([]string, 0, len(n.ring))
	for _, h := range n.ring {
		out = append(out, n.ringMap[h])
	}
	return out
}

func (n *NetworkStore) Close() error {
	var errs []error
	for _, c := range n.nodes {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func hashStringToUint64(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}
