package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

type item struct {
	action     domain.Action
	enqueuedAt time.Time
	attempts   int
	replayOf   int64 // dead letter id when replaying
}

type pushResult int

const (
	pushed pushResult = iota
	droppedOldestNotify
	droppedIncoming
	overflowMirror
	queueClosed
)

// queue is a bounded two-level priority queue: mirrors are always served
// before notifications, each level in arrival order.
type queue struct {
	mu       sync.Mutex
	capacity int
	mirrors  []item
	notifies []item
	closed   bool
	ready    chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{capacity: capacity, ready: make(chan struct{}, 1)}
}

// signal must be called with mu held.
func (q *queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// push applies the overflow policy when full: drop the oldest queued
// notification, else drop an incoming notification, else refuse the incoming
// mirror so the caller can dead-letter it.
func (q *queue) push(it item) (pushResult, item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queueClosed, it
	}
	mirror := it.action.Kind == domain.ActionMirror
	if len(q.mirrors)+len(q.notifies) < q.capacity {
		q.append(it, mirror)
		q.signal()
		return pushed, item{}
	}
	if len(q.notifies) > 0 {
		oldest := q.notifies[0]
		q.notifies = q.notifies[1:]
		q.append(it, mirror)
		q.signal()
		return droppedOldestNotify, oldest
	}
	if !mirror {
		return droppedIncoming, it
	}
	return overflowMirror, it
}

func (q *queue) append(it item, mirror bool) {
	if mirror {
		q.mirrors = append(q.mirrors, it)
	} else {
		q.notifies = append(q.notifies, it)
	}
}

// pop blocks until an item is available. It returns false once the queue is
// closed and empty, or ctx is done; items left behind stay for drain.
func (q *queue) pop(ctx context.Context) (item, bool) {
	for {
		if ctx.Err() != nil {
			return item{}, false
		}
		q.mu.Lock()
		var it item
		var ok bool
		switch {
		case len(q.mirrors) > 0:
			it, q.mirrors, ok = q.mirrors[0], q.mirrors[1:], true
		case len(q.notifies) > 0:
			it, q.notifies, ok = q.notifies[0], q.notifies[1:], true
		}
		closed := q.closed
		if ok && len(q.mirrors)+len(q.notifies) > 0 {
			q.signal()
		}
		q.mu.Unlock()

		if ok {
			return it, true
		}
		if closed {
			return item{}, false
		}
		select {
		case <-ctx.Done():
			return item{}, false
		case <-q.ready:
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	// wakes every waiting worker
	close(q.ready)
}

// drain removes and returns everything still queued.
func (q *queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append(q.mirrors, q.notifies...)
	q.mirrors, q.notifies = nil, nil
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mirrors) + len(q.notifies)
}
