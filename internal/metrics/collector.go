// Package metrics exposes a prometheus.Registry of counters and
// histograms for the core engine's DAL, GC, and repacker activity,
// trimmed from the teacher's general-purpose operations/cache collector
// down to the concepts marfs actually has: there is no in-process cache
// layer here (that was objectfs's read-cache concern; the MDAL/DAL split
// has no equivalent), so those gauges are dropped and DAL-byte,
// GC-tally, and repack-count series take their place.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config mirrors the teacher's metrics.Config shape (namespace/subsystem
// labeling, an HTTP exposition endpoint), trimmed of the cache-tuning
// UpdateInterval field that has no counterpart here.
type Config struct {
	Enabled   bool
	Port      int
	Path      string
	Namespace string
	Subsystem string
}

// DefaultConfig returns sane defaults, matching the teacher's NewCollector
// nil-config fallback.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Port: 9090, Path: "/metrics", Namespace: "marfs", Subsystem: "core"}
}

// Collector owns the process's prometheus registry and every series the
// core engine populates.
type Collector struct {
	mu     sync.Mutex
	config *Config

	registry *prometheus.Registry
	server   *http.Server

	dalOps      *prometheus.CounterVec
	dalDuration *prometheus.HistogramVec
	dalBytes    *prometheus.CounterVec

	gcScanned   prometheus.Counter
	gcDeleted   prometheus.Counter
	gcFailed    prometheus.Counter
	gcPackedLive prometheus.Counter
	gcPackedOrphaned prometheus.Counter

	repackRuns      prometheus.Counter
	repackSkipped   prometheus.Counter
	repackBytesMoved prometheus.Counter

	breakerState *prometheus.GaugeVec
}

// NewCollector constructs a Collector, registering every series against a
// fresh registry so multiple Collectors in tests never collide on the
// global default registry.
func NewCollector(cfg *Config) (*Collector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Collector{config: cfg}
	if !cfg.Enabled {
		return c, nil
	}
	c.registry = prometheus.NewRegistry()

	c.dalOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "dal_operations_total",
		Help: "Total DAL backend operations by op and status.",
	}, []string{"backend", "op", "status"})

	c.dalDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "dal_operation_duration_seconds",
		Help: "DAL backend operation latency.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"backend", "op"})

	c.dalBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "dal_bytes_total",
		Help: "Bytes moved through DAL Put/Get.",
	}, []string{"backend", "direction"})

	c.gcScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "gc", Name: "scanned_total", Help: "Trash entries scanned.",
	})
	c.gcDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "gc", Name: "deleted_total", Help: "Objects deleted.",
	})
	c.gcFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "gc", Name: "failed_total", Help: "Object deletes that failed.",
	})
	c.gcPackedLive = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "gc", Name: "packed_live_total", Help: "Packed objects found still partially live.",
	})
	c.gcPackedOrphaned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "gc", Name: "packed_orphaned_total", Help: "Packed objects fully orphaned and reclaimed.",
	})

	c.repackRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "repack", Name: "runs_total", Help: "Repack consolidations performed.",
	})
	c.repackSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "repack", Name: "skipped_total", Help: "Repack candidates skipped (overflow or load failure).",
	})
	c.repackBytesMoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: "repack", Name: "bytes_moved_total", Help: "User bytes rewritten into new packed objects.",
	})

	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: "circuit_breaker_state",
		Help: "Per-repo circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"repo"})

	collectors := []prometheus.Collector{
		c.dalOps, c.dalDuration, c.dalBytes,
		c.gcScanned, c.gcDeleted, c.gcFailed, c.gcPackedLive, c.gcPackedOrphaned,
		c.repackRuns, c.repackSkipped, c.repackBytesMoved,
		c.breakerState,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// Start serves the registry's exposition format at cfg.Path until ctx is
// cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	c.mu.Lock()
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the exposition server down gracefully.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// RecordDALOp records one DAL backend call's outcome, latency, and byte
// count; the s3 backend calls this for its stat, delete, get and put
// requests.
func (c *Collector) RecordDALOp(backend, op string, duration time.Duration, bytes int64, direction string, success bool) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	c.dalOps.With(prometheus.Labels{"backend": backend, "op": op, "status": status}).Inc()
	c.dalDuration.With(prometheus.Labels{"backend": backend, "op": op}).Observe(duration.Seconds())
	if bytes > 0 && direction != "" {
		c.dalBytes.With(prometheus.Labels{"backend": backend, "direction": direction}).Add(float64(bytes))
	}
}

// RecordGCReport folds a gc.Report's tallies into the GC series after one
// collector run completes.
func (c *Collector) RecordGCReport(scanned, deleted, failed int64, packedLive, packedOrphaned int) {
	if !c.config.Enabled {
		return
	}
	c.gcScanned.Add(float64(scanned))
	c.gcDeleted.Add(float64(deleted))
	c.gcFailed.Add(float64(failed))
	c.gcPackedLive.Add(float64(packedLive))
	c.gcPackedOrphaned.Add(float64(packedOrphaned))
}

// RecordRepack folds one repacker pass's outcome into the repack series.
func (c *Collector) RecordRepack(consolidated, skipped int, bytesMoved int64) {
	if !c.config.Enabled {
		return
	}
	c.repackRuns.Add(float64(consolidated))
	c.repackSkipped.Add(float64(skipped))
	c.repackBytesMoved.Add(float64(bytesMoved))
}

// SetBreakerState publishes a repo's current circuit breaker state
// (circuit.State) as a gauge value.
func (c *Collector) SetBreakerState(repo string, state int) {
	if !c.config.Enabled {
		return
	}
	c.breakerState.With(prometheus.Labels{"repo": repo}).Set(float64(state))
}

// Registry exposes the underlying prometheus.Registry for callers (tests,
// an alternate HTTP mux) that want to mount the handler themselves.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }
