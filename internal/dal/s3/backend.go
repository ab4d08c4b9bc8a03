// Package s3 implements a dal.Backend over AWS S3 (and S3-compatible
// endpoints), with CargoShip-accelerated uploads, a pooled client, and
// per-repo circuit-breaker/retry wrapping around every call.
package s3

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssdkconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/marfs-project/marfs-core/internal/circuit"
	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/metrics"
	"github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/retry"
	"github.com/marfs-project/marfs-core/pkg/types"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Config is the S3 backend's repo-level configuration.
type Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	MaxRetries     int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PoolSize       int

	EnableCargoShipOptimization bool
	TargetThroughput            float64

	// AuthMethod mirrors a Repo's auth_method field. "static" selects the
	// AccessKeyID/SecretAccessKey/SessionToken below instead of the
	// default credential chain (env, shared config, instance role) —
	// the repo's self-hosted/S3-compatible endpoints (MinIO, LocalStack)
	// typically have no IAM role to assume from.
	AuthMethod      string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Backend implements dal.Backend against one bucket (one MarFS repo).
type Backend struct {
	bucket      string
	config      *Config
	pool        *ConnectionPool
	transporter *cargoships3.Transporter
	breaker     *circuit.Breaker
	retryer     *retry.Retryer
	logger      *utils.Logger

	// Metrics is optional; when set every Stat/Delete/Put/Get records its
	// outcome, latency, and byte count through it (see internal/metrics).
	Metrics *metrics.Collector
}

// NewBackend constructs a Backend bound to bucket, dialing AWS with cfg.
func NewBackend(ctx context.Context, bucket string, cfg *Config, breaker *circuit.Breaker, logger *utils.Logger) (*Backend, error) {
	if bucket == "" {
		return nil, errors.New(errors.InvalidArgument, "bucket name cannot be empty").WithComponent("dal/s3")
	}
	if cfg == nil {
		cfg = &Config{MaxRetries: 3, ConnectTimeout: 10 * time.Second, RequestTimeout: 30 * time.Second, PoolSize: 8}
	}

	loadOpts := []func(*awssdkconfig.LoadOptions) error{
		awssdkconfig.WithRegion(cfg.Region),
		awssdkconfig.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AuthMethod == "static" {
		loadOpts = append(loadOpts, awssdkconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awssdkconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.New(errors.TransportFatal, "failed to load AWS config").WithCause(err).WithComponent("dal/s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	pool, err := NewConnectionPool(cfg.PoolSize, func() (*s3.Client, error) { return client, nil })
	if err != nil {
		return nil, errors.New(errors.Internal, "failed to create connection pool").WithCause(err).WithComponent("dal/s3")
	}

	var transporter *cargoships3.Transporter
	if cfg.EnableCargoShipOptimization {
		cargoCfg := awsconfig.S3Config{
			Bucket:             bucket,
			StorageClass:       awsconfig.StorageClassStandard,
			MultipartThreshold: 32 * 1024 * 1024,
			MultipartChunkSize: 16 * 1024 * 1024,
			Concurrency:        cfg.PoolSize,
		}
		transporter = cargoships3.NewTransporter(client, cargoCfg)
	}

	if logger == nil {
		logger = utils.Default
	}
	return &Backend{
		bucket: bucket, config: cfg, pool: pool,
		transporter: transporter, breaker: breaker, retryer: retry.New(retry.DefaultConfig()),
		logger: logger.With("dal/s3"),
	}, nil
}

func (b *Backend) Name() string { return "s3" }

// objectKey strips the leading bucket path segment from objID, since
// objID (per the codec's grammar) already embeds the bucket as its first
// component and S3 keys are bucket-relative.
func objectKey(objID string) string {
	idx := strings.IndexByte(objID, '/')
	if idx < 0 {
		return objID
	}
	return objID[idx+1:]
}

func (b *Backend) Open(ctx context.Context, h dal.Handle) (dal.Stream, error) {
	return &stream{backend: b, handle: h, key: objectKey(h.ObjID)}, nil
}

func (b *Backend) Stat(ctx context.Context, bucket, objID string) (*types.ObjectInfo, error) {
	start := time.Now()
	var info *types.ObjectInfo
	err := b.withBreaker(func() error {
		return b.retryer.Do(ctx, func(ctx context.Context) error {
			client := b.pool.Get()
			defer b.pool.Put(client)

			out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(bucket), Key: aws.String(objectKey(objID)),
			})
			if err != nil {
				return translateError(err, "stat", objID)
			}
			info = &types.ObjectInfo{
				Key: objID, Size: aws.ToInt64(out.ContentLength),
				LastModified: aws.ToTime(out.LastModified), ETag: aws.ToString(out.ETag),
			}
			return nil
		})
	})
	if b.Metrics != nil {
		b.Metrics.RecordDALOp("s3", "stat", time.Since(start), 0, "", err == nil)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (b *Backend) Delete(ctx context.Context, bucket, objID string) error {
	start := time.Now()
	err := b.withBreaker(func() error {
		return b.retryer.Do(ctx, func(ctx context.Context) error {
			client := b.pool.Get()
			defer b.pool.Put(client)
			_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket), Key: aws.String(objectKey(objID)),
			})
			if err != nil {
				return translateError(err, "delete", objID)
			}
			return nil
		})
	})
	if b.Metrics != nil {
		b.Metrics.RecordDALOp("s3", "delete", time.Since(start), 0, "", err == nil)
	}
	return err
}

// Verify has nothing backend-specific to check for plain S3: object
// existence is already covered by Stat, and S3 guarantees single-object
// durability itself, so there is no parity/shard reconciliation to run
// here the way the MC backend needs.
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

// stream implements dal.Stream, buffering a Put until Close (S3 needs a
// known content-length or chunked encoding handled by the SDK itself, so
// buffering keeps this backend simple and lets the transporter decide
// multipart thresholds) and issuing a single ranged GET for reads.
type stream struct {
	backend *Backend
	handle  dal.Handle
	key     string
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
	start := time.Now()
	var rangeHeader *string
	if s.handle.Offset > 0 || s.handle.Length > 0 {
		if s.handle.Length > 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", s.handle.Offset, s.handle.Offset+s.handle.Length-1))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", s.handle.Offset))
		}
	}
	err := s.backend.withBreaker(func() error {
		return s.backend.retryer.Do(ctx, func(ctx context.Context) error {
			client := s.backend.pool.Get()
			defer s.backend.pool.Put(client)
			out, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.handle.Bucket), Key: aws.String(s.key), Range: rangeHeader,
			})
			if err != nil {
				return translateError(err, "get", s.handle.ObjID)
			}
			s.getBody = out.Body
			return nil
		})
	})
	if s.backend.Metrics != nil {
		s.backend.Metrics.RecordDALOp("s3", "get", time.Since(start), s.handle.Length, "read", err == nil)
	}
	return err
}

func (s *stream) Close(ctx context.Context, abort, final bool) error {
	if s.getBody != nil {
		return s.getBody.Close()
	}
	if abort {
		s.putBuf.Reset()
		return nil
	}
	start := time.Now()
	data := s.putBuf.Bytes()
	if s.handle.Continuation {
		// S3 has no append; a continuation put re-reads the shared object
		// and rewrites it with the new bytes at the tail (packed files and
		// finalized chunk closes both land here).
		existing, err := s.fetchExisting(ctx)
		if err != nil {
			return err
		}
		data = append(existing, data...)
	}
	err := s.backend.withBreaker(func() error {
		return s.backend.retryer.Do(ctx, func(ctx context.Context) error {
			if s.backend.transporter != nil {
				archive := cargoships3.Archive{
					Key: s.key, Reader: bytes.NewReader(data), Size: int64(len(data)),
					StorageClass: awsconfig.StorageClassStandard,
				}
				if _, err := s.backend.transporter.Upload(ctx, archive); err == nil {
					return nil
				}
				s.backend.logger.Warn("cargoship upload failed, falling back to standard put", map[string]interface{}{"key": s.key})
			}
			client := s.backend.pool.Get()
			defer s.backend.pool.Put(client)
			_, err := client.PutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(s.handle.Bucket), Key: aws.String(s.key),
				Body: bytes.NewReader(data), ContentLength: aws.Int64(int64(len(data))),
			})
			if err != nil {
				return translateError(err, "put", s.handle.ObjID)
			}
			return nil
		})
	})
	if s.backend.Metrics != nil {
		s.backend.Metrics.RecordDALOp("s3", "put", time.Since(start), int64(len(data)), "write", err == nil)
	}
	return err
}

// fetchExisting reads the object's current full contents for a
// continuation put; a missing object is an empty continuation base.
func (s *stream) fetchExisting(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.backend.withBreaker(func() error {
		return s.backend.retryer.Do(ctx, func(ctx context.Context) error {
			client := s.backend.pool.Get()
			defer s.backend.pool.Put(client)
			out, err := client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.handle.Bucket), Key: aws.String(s.key),
			})
			if err != nil {
				return translateError(err, "get", s.handle.ObjID)
			}
			defer out.Body.Close()
			data, err = io.ReadAll(out.Body)
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

// translateError maps AWS SDK error types to the shared error taxonomy.
// It uses the standard library's errors.As against the SDK's own typed
// errors, not the package errors helper (which only unwraps MarfsError
// chains) since s3types errors never wrap one.
func translateError(err error, op, objID string) error {
	var nsk *s3types.NoSuchKey
	var nsb *s3types.NoSuchBucket
	switch {
	case goerrors.As(err, &nsk):
		return errors.New(errors.NotFound, op+" object not found").WithCause(err).WithComponent("dal/s3").WithDetail("objid", objID)
	case goerrors.As(err, &nsb):
		return errors.New(errors.NotFound, op+" bucket not found").WithCause(err).WithComponent("dal/s3")
	default:
		return errors.New(errors.TransportTransient, op+" failed").WithCause(err).WithComponent("dal/s3").WithDetail("objid", objID)
	}
}
