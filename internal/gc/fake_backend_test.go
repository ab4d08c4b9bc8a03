package gc

import (
	"context"
	"sync"

	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
)

// fakeBackend is an in-memory dal.Backend exercising the collector's
// delete path without a real object store.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte)}
}

func key(bucket, objID string) string { return bucket + "/" + objID }

func (b *fakeBackend) seed(bucket, objID string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key(bucket, objID)] = data
}

func (b *fakeBackend) exists(bucket, objID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key(bucket, objID)]
	return ok
}

func (b *fakeBackend) Open(ctx context.Context, h dal.Handle) (dal.Stream, error) {
	return nil, errors.New(errors.Internal, "fakeBackend does not support Open")
}

func (b *fakeBackend) Stat(ctx context.Context, bucket, objID string) (*types.ObjectInfo, error) {
	b.mu.Lock()
	data, ok := b.objects[key(bucket, objID)]
	b.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.NotFound, "object not found")
	}
	return &types.ObjectInfo{Size: int64(len(data))}, nil
}

func (b *fakeBackend) Delete(ctx context.Context, bucket, objID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key(bucket, objID)]; !ok {
		return errors.New(errors.NotFound, "object not found").WithDetail("objID", objID)
	}
	delete(b.objects, key(bucket, objID))
	return nil
}

func (b *fakeBackend) Verify(ctx context.Context, bucket, objID string, fix bool) error { return nil }

func (b *fakeBackend) Name() string { return "fake" }
