// Package deathqueue implements the time-ordered reap list used by each
// event-loop thread to close idle keep-alive connections.
//
// The queue is a fixed-capacity ring, not a priority queue: every entry
// receives the same keep-alive increment when pushed, so FIFO order already
// matches deadline order. See lwan-thread.c's death_queue_t for the original
// shape this is ported from.
package deathqueue

// Entry is anything the death queue can track. The implementation is
// internal/ioloop's connection type; the queue itself only needs the fd,
// liveness flag, and deadline.
type Entry interface {
	FD() int
	Alive() bool
	SetAlive(bool)
	TimeToDie() uint64
}

// Queue is a fixed-capacity ring of fd slots, ordered by time_to_die.
//
// Not safe for concurrent use; each Queue belongs to exactly one event-loop
// thread.
type Queue struct {
	ring       []int
	entries    []Entry // indexed by fd, dense array owned by the thread
	first      uint32
	last       uint32
	population uint32
	clock      uint64
}

// New creates a ring sized to maxFD (the per-thread fd ceiling) backed by
// entries, a dense fd-indexed table the caller continues to own.
func New(entries []Entry, maxFD int) *Queue {
	return &Queue{
		ring:    make([]int, maxFD),
		entries: entries,
	}
}

// Empty reports whether the queue currently holds no connections.
func (q *Queue) Empty() bool { return q.population == 0 }

// Clock returns the current logical tick count.
func (q *Queue) Clock() uint64 { return q.clock }

// Push enqueues a connection for eventual reap. Must be called at most once
// per connection; callers guard re-entry with Entry.Alive().
func (q *Queue) Push(e Entry) {
	q.ring[q.last] = e.FD()
	q.last = (q.last + 1) % uint32(len(q.ring))
	q.population++
	e.SetAlive(true)
}

// pop drops the front of the ring without touching the entry's liveness.
func (q *Queue) pop() {
	q.first = (q.first + 1) % uint32(len(q.ring))
	q.population--
}

// First returns the entry at the front of the ring (earliest time_to_die).
func (q *Queue) First() Entry {
	return q.entries[q.ring[q.first]]
}

// EpollTimeout returns the epoll_wait timeout in milliseconds: 1000ms while
// the queue is non-empty (so idle connections get ticked at 1Hz), else -1
// to block indefinitely.
func (q *Queue) EpollTimeout() int {
	if q.population == 0 {
		return -1
	}
	return 1000
}

// KillWaiting advances the logical clock by one tick and pops (and reaps)
// every entry whose TimeToDie is now <= the clock. Entries whose Alive flag
// was already cleared by a concurrent hangup are skipped without being
// reaped twice; reap is invoked only for entries still alive.
//
// KillWaiting never evicts an entry whose TimeToDie is still in the future.
func (q *Queue) KillWaiting(reap func(Entry)) {
	q.clock++

	for q.population > 0 {
		e := q.First()
		if e.TimeToDie() > q.clock {
			break
		}
		q.pop()

		if !e.Alive() {
			continue
		}

		e.SetAlive(false)
		reap(e)
	}
}
