// Package sproxyd implements a dal.Backend over Scality's sproxyd object
// store: a proprietary but simple HTTP-verb-keyed protocol (PUT to
// create, GET with a byte-range header to read, DELETE to remove) served
// behind a "driver alias" path segment rather than a real S3 bucket. No
// third-party client in the example pack speaks sproxyd's wire format
// closely enough to be worth adopting over the standard library's
// net/http client, which is how the pack's own HTTP-backed backends
// (e.g. rclone's REST-style backends) are built; like the semidirect
// backend, this backend is deliberately stdlib-only (see DESIGN.md).
package sproxyd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/marfs-project/marfs-core/internal/circuit"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/retry"
	"github.com/marfs-project/marfs-core/pkg/types"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Config is the sproxyd backend's repo-level configuration.
type Config struct {
	Hosts          []string // host pool; Backend rotates across them for dispersal
	DriverAlias    string   // e.g. "proxy/bparc" — substituted for the S3 bucket segment
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	TLS            bool
}

// Backend implements dal.Backend against a pool of sproxyd hosts.
type Backend struct {
	cfg     Config
	client  *http.Client
	next    int // host-rotation cursor; not goroutine-safe but only advisory
	breaker *circuit.Breaker
	retryer *retry.Retryer
	logger  *utils.Logger
}

// NewBackend constructs a Backend. The driver alias stands in for the
// bucket path segment every sproxyd URL carries after the host.
func NewBackend(cfg Config, breaker *circuit.Breaker, logger *utils.Logger) (*Backend, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New(errors.InvalidArgument, "sproxyd backend requires at least one host").WithComponent("dal/sproxyd")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = utils.Default
	}
	return &Backend{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		retryer: retry.New(retry.DefaultConfig()),
		logger:  logger.With("dal/sproxyd"),
	}, nil
}

func (b *Backend) Name() string { return "sproxyd" }

// host rotates round-robin across the configured host pool, spreading
// requests over every host in configured order.
func (b *Backend) host() string {
	h := b.cfg.Hosts[b.next%len(b.cfg.Hosts)]
	b.next++
	return h
}

func (b *Backend) url(objID string) string {
	scheme := "http"
	if b.cfg.TLS {
		scheme = "https"
	}
	alias := b.cfg.DriverAlias
	if alias == "" {
		alias = "proxy"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, b.host(), alias, objID)
}

func (b *Backend) Open(ctx context.Context, h dal.Handle) (dal.Stream, error) {
	return &stream{backend: b, handle: h}, nil
}

func (b *Backend) Stat(ctx context.Context, bucket, objID string) (*types.ObjectInfo, error) {
	var info *types.ObjectInfo
	err := b.withBreaker(func() error {
		return b.retryer.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.url(objID), nil)
			if err != nil {
				return errors.New(errors.Internal, "build HEAD request failed").WithCause(err).WithComponent("dal/sproxyd")
			}
			resp, err := b.client.Do(req)
			if err != nil {
				return errors.New(errors.TransportTransient, "HEAD failed").WithCause(err).WithComponent("dal/sproxyd").WithDetail("objid", objID)
			}
			defer resp.Body.Close()
			if err := statusErr(resp.StatusCode, "stat", objID); err != nil {
				return err
			}
			size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
			info = &types.ObjectInfo{Key: objID, Size: size, ETag: resp.Header.Get("ETag")}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (b *Backend) Delete(ctx context.Context, bucket, objID string) error {
	return b.withBreaker(func() error {
		return b.retryer.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.url(objID), nil)
			if err != nil {
				return errors.New(errors.Internal, "build DELETE request failed").WithCause(err).WithComponent("dal/sproxyd")
			}
			resp, err := b.client.Do(req)
			if err != nil {
				return errors.New(errors.TransportTransient, "DELETE failed").WithCause(err).WithComponent("dal/sproxyd").WithDetail("objid", objID)
			}
			defer resp.Body.Close()
			return statusErr(resp.StatusCode, "delete", objID)
		})
	})
}

// Verify has no sproxyd-specific reconciliation: the protocol has no
// parity/shard layout to check, so this degrades to an existence check
// exactly like the plain S3 backend.
func (b *Backend) Verify(ctx context.Context, bucket, objID string, fix bool) error {
	_, err := b.Stat(ctx, bucket, objID)
	return err
}

func (b *Backend) withBreaker(fn func() error) error {
	if b.breaker == nil {
		return fn()
	}
	return b.breaker.Execute(fn)
}

// stream implements dal.Stream. Puts are buffered until Close (sproxyd
// wants a known Content-Length) and gets issue a single ranged GET.
type stream struct {
	backend *Backend
	handle  dal.Handle
	putBuf  bytes.Buffer
	getBody io.ReadCloser
}

func (s *stream) Put(ctx context.Context, buf []byte) (int, error) {
	return s.putBuf.Write(buf)
}

func (s *stream) Get(ctx context.Context, buf []byte) (int, error) {
	if s.getBody == nil {
		if err := s.openGet(ctx); err != nil {
			return 0, err
		}
	}
	return s.getBody.Read(buf)
}

func (s *stream) openGet(ctx context.Context) error {
	return s.backend.withBreaker(func() error {
		return s.backend.retryer.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.backend.url(s.handle.ObjID), nil)
			if err != nil {
				return errors.New(errors.Internal, "build GET request failed").WithCause(err).WithComponent("dal/sproxyd")
			}
			if s.handle.Offset > 0 || s.handle.Length > 0 {
				if s.handle.Length > 0 {
					req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", s.handle.Offset, s.handle.Offset+s.handle.Length-1))
				} else {
					req.Header.Set("Range", fmt.Sprintf("bytes=%d-", s.handle.Offset))
				}
			}
			resp, err := s.backend.client.Do(req)
			if err != nil {
				return errors.New(errors.TransportTransient, "GET failed").WithCause(err).WithComponent("dal/sproxyd").WithDetail("objid", s.handle.ObjID)
			}
			if err := statusErr(resp.StatusCode, "get", s.handle.ObjID); err != nil {
				resp.Body.Close()
				return err
			}
			s.getBody = resp.Body
			return nil
		})
	})
}

func (s *stream) Close(ctx context.Context, abort, final bool) error {
	if s.getBody != nil {
		return s.getBody.Close()
	}
	if abort {
		s.putBuf.Reset()
		return nil
	}
	data := s.putBuf.Bytes()
	if s.handle.Continuation {
		// sproxyd has no append verb; a continuation put re-reads the
		// object and rewrites it with the new bytes at the tail.
		existing, err := s.fetchExisting(ctx)
		if err != nil {
			return err
		}
		data = append(existing, data...)
	}
	return s.backend.withBreaker(func() error {
		return s.backend.retryer.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.backend.url(s.handle.ObjID), bytes.NewReader(data))
			if err != nil {
				return errors.New(errors.Internal, "build PUT request failed").WithCause(err).WithComponent("dal/sproxyd")
			}
			req.ContentLength = int64(len(data))
			resp, err := s.backend.client.Do(req)
			if err != nil {
				return errors.New(errors.TransportTransient, "PUT failed").WithCause(err).WithComponent("dal/sproxyd").WithDetail("objid", s.handle.ObjID)
			}
			defer resp.Body.Close()
			return statusErr(resp.StatusCode, "put", s.handle.ObjID)
		})
	})
}

func (s *stream) fetchExisting(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.backend.withBreaker(func() error {
		return s.backend.retryer.Do(ctx, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.backend.url(s.handle.ObjID), nil)
			if err != nil {
				return errors.New(errors.Internal, "build GET request failed").WithCause(err).WithComponent("dal/sproxyd")
			}
			resp, err := s.backend.client.Do(req)
			if err != nil {
				return errors.New(errors.TransportTransient, "GET failed").WithCause(err).WithComponent("dal/sproxyd").WithDetail("objid", s.handle.ObjID)
			}
			defer resp.Body.Close()
			if err := statusErr(resp.StatusCode, "get", s.handle.ObjID); err != nil {
				return err
			}
			data, err = io.ReadAll(resp.Body)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func statusErr(code int, op, objID string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return errors.New(errors.NotFound, op+" object not found").WithComponent("dal/sproxyd").WithDetail("objid", objID)
	case code == http.StatusRequestTimeout, code == http.StatusServiceUnavailable, code == http.StatusTooManyRequests:
		return errors.New(errors.TransportTransient, op+" transient sproxyd failure").WithComponent("dal/sproxyd").WithDetail("status", code).WithDetail("objid", objID)
	default:
		return errors.New(errors.TransportFatal, op+" sproxyd returned unexpected status").WithComponent("dal/sproxyd").WithDetail("status", code).WithDetail("objid", objID)
	}
}
