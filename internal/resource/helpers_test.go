package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// memBlobStore is an in-memory BlobStore.
type memBlobStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	deleted   []string
	deleteErr error
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: map[string][]byte{}}
}

func (m *memBlobStore) Save(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "mem://uploads/" + name
	m.blobs[ref] = data
	return ref, nil
}

func (m *memBlobStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ref)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.blobs, ref)
	return nil
}

func (m *memBlobStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

func (m *memBlobStore) deletedRefs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// recordingDispatcher records dispatched records without analyzing them.
type recordingDispatcher struct {
	mu   sync.Mutex
	recs []Record
}

func (d *recordingDispatcher) Dispatch(_ context.Context, rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs = append(d.recs, rec)
}

func (d *recordingDispatcher) dispatched() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Record(nil), d.recs...)
}

// failingCreateRepo fails every Create.
type failingCreateRepo struct {
	Repository
}

func (failingCreateRepo) Create(context.Context, Kind, Record) (*Record, error) {
	return nil, errors.New("database is locked")
}

// stepClock makes timeNow advance one second per call so listings have a
// stable order.
func stepClock(t *testing.T) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu sync.Mutex
		n  int
	)
	prev := timeNow
	timeNow = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	t.Cleanup(func() { timeNow = prev })
}

func videoUpload(name string, size int) *Upload {
	return &Upload{
		Filename:    name,
		ContentType: "video/mp4",
		Size:        int64(size),
		Body:        bytes.NewReader(bytes.Repeat([]byte{0x42}, size)),
	}
}
