// Package health implements periodic reachability probing for DAL and
// MDAL backends, trimmed from the teacher's general-purpose named-check
// registry down to the two collaborators the core engine actually has:
// an object-storage backend per repo and a metadata root per namespace.
// The teacher's broader categories (cache, security, performance) have
// no marfs counterpart and are dropped.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/marfs-project/marfs-core/internal/dal"
	"github.com/marfs-project/marfs-core/internal/mdal"
	marfserrors "github.com/marfs-project/marfs-core/pkg/errors"
	"github.com/marfs-project/marfs-core/pkg/types"
	"github.com/marfs-project/marfs-core/pkg/utils"
)

// Config tunes the checker's polling cadence and per-probe timeout.
type Config struct {
	Enabled       bool
	CheckInterval time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, CheckInterval: 30 * time.Second, Timeout: 5 * time.Second}
}

// dalProbe is one repo's backend, identified by name, probed via Stat
// against a sentinel object ID that is expected to always resolve (or at
// least to fail with NotFound rather than a transport error — both are
// treated as "backend reachable").
type dalProbe struct {
	repo     string
	backend  dal.Backend
	bucket   string
	sentinel string
}

// mdalProbe is one namespace's MDAL context, probed via Stat("." ).
type mdalProbe struct {
	ns   string
	ctxt *mdal.Ctxt
}

// Checker periodically probes every registered backend/context and keeps
// the last observed types.HealthStatus for each.
type Checker struct {
	cfg    Config
	logger *utils.Logger

	mu       sync.RWMutex
	dalProbes  []dalProbe
	mdalProbes []mdalProbe
	results    map[string]*types.HealthStatus

	stopCh  chan struct{}
	started bool
}

// NewChecker constructs a Checker.
func NewChecker(cfg Config, logger *utils.Logger) *Checker {
	if logger == nil {
		logger = utils.Default
	}
	return &Checker{cfg: cfg, logger: logger.With("health"), results: make(map[string]*types.HealthStatus)}
}

// RegisterDAL adds a repo's backend to the probe set.
func (c *Checker) RegisterDAL(repo string, backend dal.Backend, bucket, sentinelObjID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dalProbes = append(c.dalProbes, dalProbe{repo: repo, backend: backend, bucket: bucket, sentinel: sentinelObjID})
}

// RegisterMDAL adds a namespace's MDAL context to the probe set.
func (c *Checker) RegisterMDAL(ns string, ctxt *mdal.Ctxt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mdalProbes = append(c.mdalProbes, mdalProbe{ns: ns, ctxt: ctxt})
}

// Start runs RunOnce every CheckInterval until Stop is called or ctx is
// cancelled.
func (c *Checker) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the background polling loop.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		close(c.stopCh)
		c.started = false
	}
}

// RunOnce probes every registered backend/context once, synchronously,
// and updates the stored results.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	dalProbes := append([]dalProbe(nil), c.dalProbes...)
	mdalProbes := append([]mdalProbe(nil), c.mdalProbes...)
	c.mu.RUnlock()

	for _, p := range dalProbes {
		c.probeDAL(ctx, p)
	}
	for _, p := range mdalProbes {
		c.probeMDAL(ctx, p)
	}
}

func (c *Checker) probeDAL(ctx context.Context, p dalProbe) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err := p.backend.Stat(cctx, p.bucket, p.sentinel)
	elapsed := time.Since(start)

	status := &types.HealthStatus{LastCheck: time.Now(), Response: elapsed}
	switch {
	case err == nil:
		status.Status = "healthy"
	case isNotFound(err):
		// The sentinel object not existing still proves the backend is
		// reachable and answering requests correctly.
		status.Status = "healthy"
	default:
		status.Status = "unavailable"
		status.ErrorCount = 1
		status.Message = err.Error()
		c.logger.Warn("dal probe failed", map[string]interface{}{"repo": p.repo, "error": err.Error()})
	}

	c.mu.Lock()
	c.results["dal:"+p.repo] = status
	c.mu.Unlock()
}

func (c *Checker) probeMDAL(ctx context.Context, p mdalProbe) {
	start := time.Now()
	_, err := p.ctxt.Stat(".")
	elapsed := time.Since(start)

	status := &types.HealthStatus{LastCheck: time.Now(), Response: elapsed}
	if err != nil {
		status.Status = "unavailable"
		status.ErrorCount = 1
		status.Message = err.Error()
		c.logger.Warn("mdal probe failed", map[string]interface{}{"ns": p.ns, "error": err.Error()})
	} else {
		status.Status = "healthy"
	}

	c.mu.Lock()
	c.results["mdal:"+p.ns] = status
	c.mu.Unlock()
}

// isNotFound reports whether err is a MarfsError carrying NotFound: the
// sentinel object being absent still proves the backend answered the
// request correctly, so it counts as reachable rather than unhealthy.
func isNotFound(err error) bool {
	return marfserrors.Is(err, marfserrors.NotFound)
}

// Status returns the last observed health for one probe key
// ("dal:<repo>" or "mdal:<ns>").
func (c *Checker) Status(key string) (*types.HealthStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.results[key]
	return s, ok
}

// Snapshot returns a copy of every probe's last observed status, keyed as
// in Status.
func (c *Checker) Snapshot() map[string]types.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.HealthStatus, len(c.results))
	for k, v := range c.results {
		out[k] = *v
	}
	return out
}

// IsHealthy reports whether every registered probe's last result was
// healthy (unprobed entries do not count against it).
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.results {
		if v.Status != "healthy" {
			return false
		}
	}
	return true
}
