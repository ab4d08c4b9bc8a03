package sproxyd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marfs-project/marfs-core/internal/dal"
	marfserrors "github.com/marfs-project/marfs-core/pkg/errors"
)

// fakeSproxyd serves a minimal subset of the sproxyd wire protocol this
// backend speaks: PUT to store, GET (honoring Range) to read, HEAD to
// stat, DELETE to remove.
func fakeSproxyd(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	store := map[string][]byte{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/proxy/")
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			store[key] = data
			w.WriteHeader(http.StatusCreated)
		case http.MethodHead:
			data, ok := store[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", itoa(len(data)))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := store[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
		case http.MethodDelete:
			if _, ok := store[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(store, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestBackend(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	b, err := NewBackend(Config{Hosts: []string{host}, DriverAlias: "proxy"}, nil, nil)
	require.NoError(t, err)
	return b
}

func TestBackendPutStatGetDelete(t *testing.T) {
	srv := fakeSproxyd(t)
	defer srv.Close()
	b := newTestBackend(t, srv)
	ctx := context.Background()

	s, err := b.Open(ctx, dal.Handle{Bucket: "bucket1", ObjID: "obj1", Mode: dal.ModePut})
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("hello sproxyd"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, false, true))

	info, err := b.Stat(ctx, "bucket1", "obj1")
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello sproxyd")), info.Size)

	g, err := b.Open(ctx, dal.Handle{Bucket: "bucket1", ObjID: "obj1", Mode: dal.ModeGet})
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := g.Get(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello sproxyd", string(buf[:n]))
	require.NoError(t, g.Close(ctx, false, true))

	require.NoError(t, b.Delete(ctx, "bucket1", "obj1"))
	_, err = b.Stat(ctx, "bucket1", "obj1")
	assert.True(t, marfserrors.Is(err, marfserrors.NotFound))
}

func TestStatNotFoundTranslatesToNotFoundCode(t *testing.T) {
	srv := fakeSproxyd(t)
	defer srv.Close()
	b := newTestBackend(t, srv)

	_, err := b.Stat(context.Background(), "bucket1", "missing")
	require.Error(t, err)
	assert.True(t, marfserrors.Is(err, marfserrors.NotFound))
}

func TestHostRotationCyclesAcrossPool(t *testing.T) {
	b, err := NewBackend(Config{Hosts: []string{"host-a", "host-b", "host-c"}, DriverAlias: "proxy"}, nil, nil)
	require.NoError(t, err)

	seen := []string{b.host(), b.host(), b.host(), b.host()}
	assert.Equal(t, []string{"host-a", "host-b", "host-c", "host-a"}, seen)
}
