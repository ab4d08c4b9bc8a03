package handle

import "sort"

// waiter is one blocked discontiguous reader in multi-thread mode: it is
// woken either by signalNext once the stream cursor reaches its offset,
// or by wakeAll on release. A waiter whose context is cancelled removes
// itself from the queue.
type waiter struct {
	offset int64
	ch     chan struct{}
}

// waitQueue is the offset-ordered priority queue of blocked readers the
// design calls for once a handle enters multi-thread mode (§4.5
// Concurrent-read discipline). It is small in practice (bounded by the
// number of threads sharing one handle), so a sorted slice is simpler
// than a heap and cheap enough.
type waitQueue struct {
	waiters []*waiter
}

func newWaitQueue() *waitQueue { return &waitQueue{} }

// enqueue registers a new waiter at offset, keeping the slice sorted so
// head() always returns the lowest pending offset.
func (q *waitQueue) enqueue(offset int64) *waiter {
	w := &waiter{offset: offset, ch: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	sort.Slice(q.waiters, func(i, j int) bool { return q.waiters[i].offset < q.waiters[j].offset })
	return w
}

// remove drops w from the queue, used when a waiter gives up (ctx
// cancellation or a timed head-waiter takeover).
func (q *waitQueue) remove(w *waiter) {
	for i, x := range q.waiters {
		if x == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// head returns the lowest-offset waiter without removing it, or nil.
func (q *waitQueue) head() *waiter {
	if len(q.waiters) == 0 {
		return nil
	}
	return q.waiters[0]
}

// signalNext wakes the waiter whose offset equals cursor, if any, and
// removes it from the queue.
func (q *waitQueue) signalNext(cursor int64) {
	for i, w := range q.waiters {
		if w.offset == cursor {
			close(w.ch)
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// wakeAll wakes every blocked waiter (used on release), leaving the
// queue empty; waiters observe this as a 0-byte read.
func (q *waitQueue) wakeAll() {
	for _, w := range q.waiters {
		close(w.ch)
	}
	q.waiters = nil
}
