package resource

import (
	"context"
	"io"
	"strings"
	"time"
)

// Repository is kind-agnostic CRUD over stored records. Every method resolves
// the kind through the registry; no blob handling happens here.
type Repository interface {
	// List returns records newest first.
	List(ctx context.Context, kind Kind, offset, limit int) ([]Record, error)
	Count(ctx context.Context, kind Kind) (int, error)
	// Get returns ErrNotFound when no record has the id.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)
	// Create assigns the id and timestamps and returns the stored record
	// with its owner summary.
	Create(ctx context.Context, kind Kind, rec Record) (*Record, error)
	// Update merges fields through the kind's handler.
	Update(ctx context.Context, kind Kind, id string, fields Fields) (*Record, error)
	Delete(ctx context.Context, kind Kind, id string) error
}

// OwnerDirectory stores the owner summaries repositories project onto reads.
type OwnerDirectory interface {
	PutOwner(ctx context.Context, owner Owner) error
}

// BlobStore keeps uploaded artifacts. Refs returned by Save are opaque to
// callers and only meaningful to the store that produced them.
type BlobStore interface {
	Save(ctx context.Context, name string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// Dispatcher starts analysis of a freshly created record. Dispatch must not
// block on the analysis itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec Record)
}

// IsExternalRef reports whether ref is a caller-supplied URL rather than a blob
// the service stored itself.
func IsExternalRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isManagedRef(ref string) bool {
	return ref != "" && !IsExternalRef(ref)
}

var timeNow = func() time.Time { return time.Now().UTC() }
