package inference

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPoolSize       = 2
	DefaultAcquireTimeout = 30 * time.Second
)

// runner is one model instance with bound input and output buffers. It is
// not safe for concurrent use.
type runner interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

// SessionPool hands out at most size runners, creating them on demand.
type SessionPool struct {
	sessions       chan runner
	size           int
	acquireTimeout time.Duration
	factory        func() (runner, error)

	mu         sync.Mutex
	created    int
	closed     bool
	lastErrors []error

	metrics *PoolMetrics
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	totalDiscarded  int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int
	Created         int
	InUse           int
	TotalAcquired   int64
	TotalReleased   int64
	TotalDiscarded  int64
	AcquireFailures int64
	WaitTime        time.Duration
}

func NewSessionPool(size int, acquireTimeout time.Duration, factory func() (runner, error)) *SessionPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &SessionPool{
		sessions:       make(chan runner, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		factory:        factory,
		metrics:        &PoolMetrics{},
	}
}

func (p *SessionPool) Acquire(ctx context.Context) (runner, error) {
	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.markAcquired()
		return session, nil
	default:
	}

	if session, grew, err := p.grow(); grew {
		if err != nil {
			p.markFailure()
			return nil, err
		}
		p.markAcquired()
		return session, nil
	}

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.markAcquired()
		return session, nil
	case <-timer.C:
		p.markFailure()
		return nil, fmt.Errorf("timeout waiting for available session")
	case <-ctx.Done():
		p.markFailure()
		return nil, ctx.Err()
	}
}

// grow creates a new runner if the pool is below capacity. grew is false
// when the pool is full and the caller has to wait.
func (p *SessionPool) grow() (session runner, grew bool, err error) {
	p.mu.Lock()
	if p.closed || p.created >= p.size {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.created++
	p.mu.Unlock()

	session, err = p.factory()
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		p.recordError(err)
		return nil, true, fmt.Errorf("failed to initialize session: %w", err)
	}
	return session, true, nil
}

func (p *SessionPool) Release(session runner) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a runner that failed and frees its slot.
func (p *SessionPool) Discard(session runner) {
	session.Destroy()

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalDiscarded++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *SessionPool) markAcquired() {
	p.metrics.mu.Lock()
	p.metrics.inUse++
	p.metrics.totalAcquired++
	p.metrics.mu.Unlock()
}

func (p *SessionPool) markFailure() {
	p.metrics.mu.Lock()
	p.metrics.acquireFailures++
	p.metrics.mu.Unlock()
}

func (p *SessionPool) recordError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent session creation failures.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	created := p.created
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Created:         created,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		TotalDiscarded:  p.metrics.totalDiscarded,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
