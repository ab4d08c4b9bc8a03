package s3

import (
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marfs-project/marfs-core/pkg/errors"
)

// ConnectionPool bounds the number of s3.Client handles a Backend holds
// live at once. s3.Client is safe for concurrent use on its own, but
// pooling caps how many are created under burst load and gives a single
// place to track hit/miss/timeout stats for the metrics component.
type ConnectionPool struct {
	mu          sync.Mutex
	connections chan *s3.Client
	factory     func() (*s3.Client, error)
	maxSize     int
	currentSize int
	closed      bool

	stats PoolStats
}

// PoolStats tracks connection pool usage for the metrics collector.
type PoolStats struct {
	Active   int
	Idle     int
	Total    int
	MaxSize  int
	Hits     int64
	Misses   int64
	Timeouts int64
}

// NewConnectionPool creates a pool of at most maxSize clients, built on
// demand by factory.
func NewConnectionPool(maxSize int, factory func() (*s3.Client, error)) (*ConnectionPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if factory == nil {
		return nil, errors.New(errors.InvalidArgument, "connection factory cannot be nil").WithComponent("dal/s3")
	}
	return &ConnectionPool{
		connections: make(chan *s3.Client, maxSize),
		factory:     factory,
		maxSize:     maxSize,
		stats:       PoolStats{MaxSize: maxSize},
	}, nil
}

// Get returns a pooled client if one is idle, else creates a fresh one up
// to maxSize, else blocks briefly waiting for one to be returned.
func (p *ConnectionPool) Get() *s3.Client {
	return p.GetWithTimeout(5 * time.Second)
}

func (p *ConnectionPool) GetWithTimeout(timeout time.Duration) *s3.Client {
	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn
	default:
	}

	if p.tryReserveSlot() {
		client, err := p.factory()
		if err == nil {
			p.mu.Lock()
			p.stats.Active++
			p.mu.Unlock()
			return client
		}
		p.mu.Lock()
		p.currentSize--
		p.mu.Unlock()
	}

	select {
	case conn := <-p.connections:
		p.mu.Lock()
		p.stats.Hits++
		p.stats.Active++
		p.mu.Unlock()
		return conn
	case <-time.After(timeout):
		p.mu.Lock()
		p.stats.Timeouts++
		p.stats.Misses++
		p.mu.Unlock()
		client, _ := p.factory()
		return client
	}
}

func (p *ConnectionPool) tryReserveSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.currentSize >= p.maxSize {
		return false
	}
	p.currentSize++
	return true
}

// Put returns conn to the pool, discarding it if the pool is full or closed.
func (p *ConnectionPool) Put(conn *s3.Client) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.stats.Active--
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.connections <- conn:
	default:
		p.mu.Lock()
		p.currentSize--
		p.mu.Unlock()
	}
}

// Stats returns a snapshot of pool usage.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Total = p.currentSize
	stats.Idle = len(p.connections)
	return stats
}

// Close marks the pool closed; outstanding clients returned via Put after
// this point are discarded rather than queued.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
