// Package ratelimit serializes outbound generation calls.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum spacing between two task starts.
const DefaultInterval = time.Second

var ErrClosed = errors.New("rate limiter closed")

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Limiter runs submitted tasks one at a time in submission order, starting
// each no sooner than interval after the previous start.
type Limiter struct {
	gate  *rate.Limiter
	queue chan *task

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New starts a limiter. A non-positive interval disables spacing but keeps
// the one-at-a-time ordering.
func New(interval time.Duration) *Limiter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	l := &Limiter{
		gate:  rate.NewLimiter(limit, 1),
		queue: make(chan *task, 64),
		stop:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()
	return l
}

// Do blocks until fn has run (returning its error) or ctx is done.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return ErrClosed
	}
	select {
	case l.queue <- t:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// The worker notices the cancelled context and skips or aborts the task.
		return ctx.Err()
	}
}

// Pending reports how many tasks are queued behind the running one.
func (l *Limiter) Pending() int {
	return len(l.queue)
}

// Close stops the worker. Queued tasks fail with ErrClosed.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.stop)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Limiter) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stop:
			l.drain()
			return
		case t := <-l.queue:
			t.done <- l.execute(t)
		}
	}
}

func (l *Limiter) execute(t *task) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if err := l.gate.Wait(t.ctx); err != nil {
		return err
	}
	return t.fn(t.ctx)
}

func (l *Limiter) drain() {
	for {
		select {
		case t := <-l.queue:
			t.done <- ErrClosed
		default:
			return
		}
	}
}
