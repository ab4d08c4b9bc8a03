package semidirect

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marfs-project/marfs-core/internal/dal"
	marfserrors "github.com/marfs-project/marfs-core/pkg/errors"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	return b
}

func putObject(t *testing.T, b *Backend, bucket, objID string, data []byte) {
	t.Helper()
	ctx := context.Background()
	s, err := b.Open(ctx, dal.Handle{Bucket: bucket, ObjID: objID, Mode: dal.ModePut})
	require.NoError(t, err)
	_, err = s.Put(ctx, data)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, false, true))
}

func TestBackendPutStatGetDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	data := []byte("hello semi-direct")

	putObject(t, b, "bucket1", "obj1", data)

	info, err := b.Stat(ctx, "bucket1", "obj1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)

	s, err := b.Open(ctx, dal.Handle{Bucket: "bucket1", ObjID: "obj1", Mode: dal.ModeGet})
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := s.Get(ctx, buf)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	assert.Equal(t, data, buf[:n])
	require.NoError(t, s.Close(ctx, false, true))

	require.NoError(t, b.Delete(ctx, "bucket1", "obj1"))
	_, err = b.Stat(ctx, "bucket1", "obj1")
	assert.True(t, marfserrors.Is(err, marfserrors.NotFound))
}

func TestBackendGetRespectsOffsetAndLength(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	putObject(t, b, "bucket1", "ranged", []byte("0123456789"))

	s, err := b.Open(ctx, dal.Handle{Bucket: "bucket1", ObjID: "ranged", Mode: dal.ModeGet, Offset: 2, Length: 3})
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := s.Get(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "234", string(buf[:n]))
	require.NoError(t, s.Close(ctx, false, true))
}

func TestPutAbortDoesNotPersist(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	s, err := b.Open(ctx, dal.Handle{Bucket: "bucket1", ObjID: "aborted", Mode: dal.ModePut})
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("discard me"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, true, false))

	_, err = b.Stat(ctx, "bucket1", "aborted")
	assert.True(t, marfserrors.Is(err, marfserrors.NotFound))
}

func TestObjectPathRejectsEscape(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.objectPath("bucket1", "../../etc/passwd")
	require.Error(t, err)
}
