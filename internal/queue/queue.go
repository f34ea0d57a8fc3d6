package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue once Wait has been called.
var ErrClosed = errors.New("queue: closed")

// Manager serializes tasks that share a key into a single in-order chain.
// Tasks for different keys run concurrently. A failing or panicking task
// never blocks the tasks queued behind it.
type Manager[T any] struct {
	recoverFn func(key string, p any) T

	mu     sync.Mutex
	tails  map[string]*link
	closed bool
	wg     sync.WaitGroup
}

type link struct {
	done chan struct{}
}

// New creates a Manager. recoverFn converts a recovered panic into the
// task's result; if nil, the zero value of T is delivered instead.
func New[T any](recoverFn func(key string, p any) T) *Manager[T] {
	return &Manager[T]{
		recoverFn: recoverFn,
		tails:     make(map[string]*link),
	}
}

// Enqueue appends task to the chain for key and returns a channel that
// receives the task's result exactly once. The append happens before
// Enqueue returns, so two calls for the same key run in call order.
func (m *Manager[T]) Enqueue(key string, task func() T) (<-chan T, error) {
	out := make(chan T, 1)
	l := &link{done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	prev := m.tails[key]
	m.tails[key] = l
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if prev != nil {
			<-prev.done
		}

		out <- m.run(key, task)
		close(out)
		close(l.done)

		m.mu.Lock()
		if m.tails[key] == l {
			delete(m.tails, key)
		}
		m.mu.Unlock()
	}()

	return out, nil
}

func (m *Manager[T]) run(key string, task func() T) (result T) {
	defer func() {
		if p := recover(); p != nil {
			if m.recoverFn != nil {
				result = m.recoverFn(key, p)
				return
			}
			var zero T
			result = zero
		}
	}()
	return task()
}

// Len returns the number of keys with a pending or running chain.
func (m *Manager[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}

// Wait blocks until every enqueued task has finished or ctx is done. The
// manager is closed first: later Enqueue calls fail with ErrClosed, so no
// task can be added while Wait is draining.
func (m *Manager[T]) Wait(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
