// Package pool provides a bounded pool of reusable upstream connections
// with idle-based recycling and deadline-bounded acquisition.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAcquireTimeout is returned when no lease frees up before the
// caller's context expires.
var ErrAcquireTimeout = errors.New("pool: acquire timed out")

// ErrClosed is returned for any acquire after Close.
var ErrClosed = errors.New("pool: closed")

// Conn is a pooled upstream session.
type Conn interface {
	Close() error
}

// Factory creates a new upstream session when the pool is below capacity.
type Factory func(ctx context.Context) (Conn, error)

type Config struct {
	// MaxSize caps outstanding leases. Defaults to 5.
	MaxSize int
	// Recycle is how long a lease may sit idle before it is closed
	// instead of reused. Zero disables recycling. Evaluated lazily at
	// acquire time, never by a background timer.
	Recycle time.Duration
}

// Lease is a scoped acquisition of one pooled connection. Callers must
// call Release on every exit path.
type Lease struct {
	Conn Conn

	id       uint64
	sourceID string
	lastUsed time.Time

	pool     *Pool
	released bool
	relMu    sync.Mutex
}

// ID identifies the underlying connection across acquisitions.
func (l *Lease) ID() uint64 { return l.id }

// SourceID is the source this pool serves.
func (l *Lease) SourceID() string { return l.sourceID }

// LastUsedAt is when the connection was last returned to the pool.
func (l *Lease) LastUsedAt() time.Time { return l.lastUsed }

// Release returns the connection to the pool. Safe to call more than
// once; only the first call has an effect.
func (l *Lease) Release() {
	l.relMu.Lock()
	done := l.released
	l.released = true
	l.relMu.Unlock()
	if done {
		return
	}
	l.pool.release(l)
}

// Pool hands out at most MaxSize leases. A free, non-expired lease is
// reused; below capacity a new connection is built via the factory;
// otherwise the caller blocks until a release or its context expires.
type Pool struct {
	cfg      Config
	sourceID string
	factory  Factory

	slots chan struct{} // capacity = MaxSize; one token per available lease slot

	mu     sync.Mutex
	free   []*Lease
	nextID uint64
	closed bool
}

func New(sourceID string, cfg Config, factory Factory) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5
	}
	p := &Pool{
		cfg:      cfg,
		sourceID: sourceID,
		factory:  factory,
		slots:    make(chan struct{}, cfg.MaxSize),
	}
	for i := 0; i < cfg.MaxSize; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire returns a lease, blocking while the pool is at capacity. The
// context deadline bounds the wait; on expiry the error wraps
// ErrAcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots <- struct{}{}
		return nil, ErrClosed
	}
	// Reuse the most recently returned lease; recycle the ones that sat
	// idle too long.
	for len(p.free) > 0 {
		l := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		if p.cfg.Recycle > 0 && time.Since(l.lastUsed) > p.cfg.Recycle {
			p.mu.Unlock()
			if l.Conn != nil {
				_ = l.Conn.Close()
			}
			p.mu.Lock()
			continue
		}
		l.relMu.Lock()
		l.released = false
		l.relMu.Unlock()
		p.mu.Unlock()
		return l, nil
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	var conn Conn
	if p.factory != nil {
		var err error
		conn, err = p.factory(ctx)
		if err != nil {
			p.slots <- struct{}{}
			return nil, fmt.Errorf("pool: create connection: %w", err)
		}
	}
	return &Lease{Conn: conn, id: id, sourceID: p.sourceID, pool: p}, nil
}

func (p *Pool) release(l *Lease) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if l.Conn != nil {
			_ = l.Conn.Close()
		}
		return
	}
	l.lastUsed = time.Now()
	p.free = append(p.free, l)
	p.mu.Unlock()
	p.slots <- struct{}{}
}

// Close discards all idle connections and fails subsequent acquires.
// Outstanding leases are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, l := range free {
		if l.Conn != nil {
			_ = l.Conn.Close()
		}
	}
}
