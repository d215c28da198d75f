// Package lanes serialises work per key in arrival order.
package lanes

import (
	"context"
	"sync"
)

// Lanes hands out one turn at a time per key. Waiters are served first in,
// first out; different keys never block each other.
type Lanes[K comparable] struct {
	mu     sync.Mutex
	queues map[K][]chan struct{}
}

// New creates an empty set of lanes
func New[K comparable]() *Lanes[K] {
	return &Lanes[K]{queues: make(map[K][]chan struct{})}
}

// Acquire waits for key's turn. The returned release must be called exactly
// once. If ctx ends first the place in line is given up and ctx.Err() is
// returned.
func (l *Lanes[K]) Acquire(ctx context.Context, key K) (release func(), err error) {
	turn := make(chan struct{})

	l.mu.Lock()
	q := l.queues[key]
	l.queues[key] = append(q, turn)
	if len(q) == 0 {
		close(turn)
	}
	l.mu.Unlock()

	select {
	case <-turn:
		return l.releaser(key, turn), nil
	case <-ctx.Done():
		l.leave(key, turn)
		return nil, ctx.Err()
	}
}

func (l *Lanes[K]) releaser(key K, turn chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.leave(key, turn) })
	}
}

// leave removes turn from the lane and wakes the next waiter if turn was
// at the head.
func (l *Lanes[K]) leave(key K, turn chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.queues[key]
	for i, t := range q {
		if t != turn {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		if i == 0 && len(q) > 0 {
			close(q[0])
		}
		break
	}
	if len(q) == 0 {
		delete(l.queues, key)
		return
	}
	l.queues[key] = q
}

// Waiting returns how many holders and waiters key has
func (l *Lanes[K]) Waiting(key K) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[key])
}
