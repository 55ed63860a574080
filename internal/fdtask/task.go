// Package fdtask implements the cooperative task runtime: one task per
// in-flight request, spawned lazily on first readiness and resumed only by
// the owning event-loop goroutine.
//
// A Go goroutine stands in for the spec's "stackful coroutine" -- it is
// exactly the kind of OS-stack-saved fiber the design calls for. Suspension
// is a blocked receive on an unbuffered resume channel; resumption is a
// send on that channel performed only by the event loop that owns the
// task's connection (see Task for the second, yielded channel). Two primitives may suspend a task: the fd-bounded open
// helper (on EMFILE/ENFILE) and the zero-copy sender (on EAGAIN); both live
// in sibling packages and call Task.Yield.
package fdtask

import (
	"sync"
)

// Resources is the set of OS/cache resources a task acquires during its
// run. Everything registered here releases, deterministically, at teardown
// (hangup, idle reap, or normal completion) -- this is the task's
// "guaranteed close" contract from the fd-bounded open helper, and also how
// a floating cache entry (see internal/filecache) ties its lifetime to a
// single task.
type Resources struct {
	mu       sync.Mutex
	releases []func()
	closeFD  func(fd int)
}

// NewResources builds a resource set that releases tracked fds with
// closeFD.
func NewResources(closeFD func(fd int)) *Resources {
	return &Resources{closeFD: closeFD}
}

// Track registers fd for guaranteed close at task teardown.
func (r *Resources) Track(fd int) {
	r.OnRelease(func() { r.closeFD(fd) })
}

// OnRelease registers an arbitrary cleanup function to run at task
// teardown, in reverse registration order. Used for anything that isn't an
// fd -- e.g. dropping a floating cache entry's reference.
func (r *Resources) OnRelease(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases = append(r.releases, fn)
}

// ReleaseAll runs every registered release function, in reverse
// registration order, and clears the set. Safe to call multiple times.
func (r *Resources) ReleaseAll() {
	r.mu.Lock()
	fns := r.releases
	r.releases = nil
	r.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Task is a single cooperative unit of work bound to one connection's
// lifetime. Exactly one Task may be attached to a connection at a time.
//
// Resume and Yield rendezvous on two channels rather than one: a resume
// sends on resume and then blocks until EITHER yielded or done fires. A
// single channel with a non-blocking follow-up check would race -- the
// body can finish running before the caller's non-blocking check
// observes it, so a real completion could be reported as "still
// running". Blocking on both channels makes Resume a true synchronous
// handoff, the same guarantee a ucontext-based stackful coroutine gives
// for free.
type Task struct {
	Resources *Resources

	resume  chan struct{}
	yielded chan struct{}

	wantsMu  sync.Mutex
	wantsOut bool // true while parked inside a write-wait (zero-copy send)

	done chan struct{}
}

// Spawn creates a Task bound to body, but does not run it yet: the
// goroutine blocks until the event loop calls Resume for the first time,
// exactly mirroring lwan's lazy coro spawn (a new coroutine only starts
// executing on its first explicit resume).
func Spawn(body func(t *Task), closeFD func(fd int)) *Task {
	t := &Task{
		Resources: NewResources(closeFD),
		resume:    make(chan struct{}),
		yielded:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go func() {
		<-t.resume
		body(t)
		t.Resources.ReleaseAll()
		close(t.done)
	}()
	return t
}

// Yield suspends the calling task until the event loop calls Resume again.
// wantsWrite tells the event loop which readiness interest to re-arm the fd
// with while this task is parked (true: EPOLLOUT-style; false:
// EPOLLIN-style edge-triggered read).
func (t *Task) Yield(wantsWrite bool) {
	t.wantsMu.Lock()
	t.wantsOut = wantsWrite
	t.wantsMu.Unlock()
	t.yielded <- struct{}{}
	<-t.resume
}

// WantsWrite reports the readiness interest the task requested at its last
// Yield call. Valid to call only while the task is Suspended.
func (t *Task) WantsWrite() bool {
	t.wantsMu.Lock()
	defer t.wantsMu.Unlock()
	return t.wantsOut
}

// Resume starts the task (on its first call) or wakes it from its last
// Yield, and blocks until it either yields again or finishes. Returns
// true if the task is still running (should be resumed again on a
// future readiness event), false if it has completed.
//
// Only the event loop goroutine that owns this task's connection may call
// Resume -- this is the "event loop is the sole resumer" invariant.
func (t *Task) Resume() bool {
	select {
	case <-t.done:
		return false
	default:
	}

	t.resume <- struct{}{}

	select {
	case <-t.done:
		return false
	case <-t.yielded:
		return true
	}
}

// Cancel tears the task down from the outside (connection hangup or idle
// reap). It does not wait for the task body to observe cancellation;
// callers that need deterministic fd release should rely on Resources
// tracking fds opened so far, which ReleaseAll always closes once the
// goroutine returns. Cancel is idempotent.
func (t *Task) Cancel() {
	select {
	case <-t.done:
	default:
		// The task's goroutine is blocked waiting for a resume that will
		// never usefully arrive (either the initial gate, or inside
		// Yield); waking it lets body observe cancellation (via its own
		// context/closed-fd checks) and return, which triggers
		// ReleaseAll. The matching receive on yielded/done is drained by
		// whichever of Resume's two forms applies; Cancel itself doesn't
		// wait for it.
		select {
		case t.resume <- struct{}{}:
		default:
		}
	}
}

// Done reports whether the task's body has returned.
func (t *Task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
