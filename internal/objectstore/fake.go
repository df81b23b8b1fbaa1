package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	derrors "github.com/synthgen/dispatcher/internal/errors"
)

// Fake is an in-memory object store used by internal/ingest's tests.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewFake() *Fake {
	return &Fake{objects: map[string][]byte{}}
}

func (f *Fake) EnsureBucket(ctx context.Context) error { return nil }

func (f *Fake) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, derrors.NewNotFound("object", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *Fake) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if len(prefix) == 0 || (len(k) >= len(prefix) && k[:len(prefix)] == prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Store mirrors the subset of *Client's methods internal/ingest depends
// on, so tests can substitute *Fake for *Client.
type Store interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*Fake)(nil)
)
