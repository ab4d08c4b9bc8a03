package repack

import (
	"context"
	"sync"

	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
)

// fakeBackend is the same in-memory dal.Backend used across the other
// components' test suites: objects keyed by bucket+"/"+objID, held as
// plain byte slices, with ranged gets honoring Offset/Length.
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

func (b *fakeBackend) get(bucket, objID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.objects[key(bucket, objID)]
	return d, ok
}

func (b *fakeBackend) Open(ctx context.Context, h dal.Handle) (dal.Stream, error) {
	if h.Mode == dal.ModePut {
		return &fakePutStream{backend: b, key: key(h.Bucket, h.ObjID)}, nil
	}
	b.mu.Lock()
	data, ok := b.objects[key(h.Bucket, h.ObjID)]
	b.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.NotFound, "object not found").WithDetail("objID", h.ObjID)
	}
	end := h.Offset + h.Length
	if h.Length <= 0 || end > int64(len(data)) {
		end = int64(len(data))
	}
	if h.Offset > int64(len(data)) {
		h.Offset = int64(len(data))
	}
	return &fakeGetStream{data: data[h.Offset:end]}, nil
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
	delete(b.objects, key(bucket, objID))
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Verify(ctx context.Context, bucket, objID string, fix bool) error { return nil }

func (b *fakeBackend) Name() string { return "fake" }

type fakePutStream struct {
	backend *fakeBackend
	key     string
	buf     []byte
}

func (s *fakePutStream) Put(ctx context.Context, buf []byte) (int, error) {
	s.buf = append(s.buf, buf...)
	return len(buf), nil
}

func (s *fakePutStream) Get(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New(errors.Internal, "fakePutStream does not support Get")
}

func (s *fakePutStream) Close(ctx context.Context, abort, final bool) error {
	if abort {
		return nil
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.objects[s.key] = s.buf
	return nil
}

type fakeGetStream struct {
	data []byte
	pos  int
}

func (s *fakeGetStream) Put(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New(errors.Internal, "fakeGetStream does not support Put")
}

func (s *fakeGetStream) Get(ctx context.Context, buf []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, nil
	}
	n := copy(buf, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *fakeGetStream) Close(ctx context.Context, abort, final bool) error { return nil }
