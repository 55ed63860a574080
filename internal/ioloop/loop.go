//go:build linux

package ioloop

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/deathqueue"
	"github.com/ankit-kulkarni/filed/internal/fdtask"
	"github.com/ankit-kulkarni/filed/internal/fileserve"
	"github.com/ankit-kulkarni/filed/internal/httpwire"
	"github.com/ankit-kulkarni/filed/internal/metrics"
)

// maxConnsPerLoop bounds the death queue's fd-indexed dense array; a
// production deployment pins this to the process's open-file ceiling per
// thread, same as lwan-thread.c sizing death_queue_t off max_fd.
const maxConnsPerLoop = maxFDs

// KeepAliveTicks is how many 1-second death-queue ticks an idle
// connection survives before being reaped -- lwan's default keep-alive
// timeout is 15s.
const KeepAliveTicks = 15

// Loop is one event-loop thread: an epoll instance, a death queue, and
// lazily spawned request tasks. Intended to run with its goroutine
// pinned to an OS thread by the caller (internal/server does this with
// runtime.LockOSThread), though nothing here requires it.
//
// Grounded on lwan-thread.c's _thread(): epoll_wait with the death
// queue's timeout, death-queue ticking after every wait, lazy coro
// spawn on first readiness, and the wants-write/wants-read re-arm
// mapping applied after every resume.
type Loop struct {
	poller  *Poller
	deathQ  *deathqueue.Queue
	entries []deathqueue.Entry

	mu    sync.Mutex
	conns map[int]*connection

	handler *fileserve.Handler
	metrics *metrics.Registry // nil is fine; every use site checks it
	onReap  func(fd int)      // nil is fine; set via SetReapObserver
}

// SetReapObserver installs fn to be called, with the reaped connection's
// fd, every time the death queue closes an idle connection. Used by
// internal/admin to stream reap events to a debug websocket without
// ioloop depending on admin.
func (l *Loop) SetReapObserver(fn func(fd int)) {
	l.onReap = fn
}

// New builds a Loop serving requests through handler. reg may be nil, in
// which case the loop runs without Prometheus accounting.
func New(handler *fileserve.Handler, reg *metrics.Registry) (*Loop, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	entries := make([]deathqueue.Entry, maxConnsPerLoop)
	return &Loop{
		poller:  poller,
		deathQ:  deathqueue.New(entries, maxConnsPerLoop),
		entries: entries,
		conns:   make(map[int]*connection),
		handler: handler,
		metrics: reg,
	}, nil
}

// AddConnection registers a freshly accepted, non-blocking socket fd with
// the loop. The connection is armed for read interest; its first request
// task is spawned lazily on the first readiness callback.
func (l *Loop) AddConnection(fd int) error {
	conn := &connection{fd: fd}

	l.mu.Lock()
	l.conns[fd] = conn
	l.mu.Unlock()
	l.entries[fd] = conn

	return l.poller.Register(fd, false, func(ev Events) { l.onReady(conn, ev) })
}

// Run drives the loop until the poller is closed (graceful shutdown) or
// a non-recoverable error occurs.
func (l *Loop) Run() error {
	for {
		timeout := l.deathQ.EpollTimeout()
		_, err := l.poller.Wait(timeout)
		if err != nil {
			if errors.Is(err, ErrPollerClosed) {
				return nil
			}
			return err
		}
		l.deathQ.KillWaiting(l.reap)
	}
}

// Close tears down the loop's epoll fd, unblocking a concurrent Run.
func (l *Loop) Close() error {
	return l.poller.Close()
}

func (l *Loop) onReady(conn *connection, ev Events) {
	if ev&(EventHangup|EventError) != 0 {
		l.closeConn(conn)
		return
	}

	if conn.task == nil {
		conn.task = l.spawnTask(conn)
	}

	if conn.task.Done() {
		return
	}

	stillRunning := conn.task.Resume()
	if !stillRunning {
		l.onTaskDone(conn)
		return
	}

	wantWrite := conn.task.WantsWrite()
	if err := l.poller.Rearm(conn.fd, wantWrite); err != nil {
		l.closeConn(conn)
	}
}

// spawnTask lazily binds one cooperative task to conn: it parses exactly
// one HTTP request and serves it, then returns (ending the task). A new
// task is spawned for the connection's next request once this one
// completes, so a keep-alive connection never holds more than one task
// at a time.
func (l *Loop) spawnTask(conn *connection) *fdtask.Task {
	return fdtask.Spawn(func(t *fdtask.Task) {
		br := newYieldingReader(conn.fd, t)
		req, err := httpwire.ReadRequest(br)
		if err != nil {
			return
		}

		var sender fileserve.Sender = &connSender{fd: conn.fd, task: t}
		if l.metrics != nil {
			sender = &meteringSender{
				connSender: sender.(*connSender),
				observe:    l.metrics.ObserveResponse,
			}
		}
		if err := l.handler.Serve(t, req, sender); err != nil {
			// The handler already turns every recoverable condition (404,
			// 403, 503, 416, 304) into a sent response; an error reaching
			// here means the write path itself failed (the connection is
			// going away). Per the write-failure contract, the connection
			// is closed rather than kept alive for another request.
			conn.failed = true
			return
		}

		// time_to_die is recomputed on every request this connection
		// serves, so an active keep-alive connection is reaped 15s after
		// its *last* request, not its first. The ring position is only
		// ever assigned once though (Push is gated on !Alive), and
		// KillWaiting reads TimeToDie live off the entry on every check,
		// so refreshing the deadline here never needs to touch the
		// queue's FIFO order.
		conn.timeToDie = l.deathQ.Clock() + KeepAliveTicks
		if !conn.Alive() {
			l.deathQ.Push(conn)
		}
	}, func(fd int) { _ = unix.Close(fd) })
}

func (l *Loop) onTaskDone(conn *connection) {
	conn.task = nil
	if conn.failed {
		l.closeConn(conn)
		return
	}
	if err := l.poller.Rearm(conn.fd, false); err != nil {
		l.closeConn(conn)
	}
}

// reap is the death queue's eviction callback: close whatever connection
// timed out.
func (l *Loop) reap(e deathqueue.Entry) {
	conn := e.(*connection)
	fd := conn.fd
	l.closeConn(conn)
	if l.metrics != nil {
		l.metrics.Reap()
	}
	if l.onReap != nil {
		l.onReap(fd)
	}
}

func (l *Loop) closeConn(conn *connection) {
	_ = l.poller.Unregister(conn.fd)

	// Close the fd before waking a parked task: a task resumed by Cancel
	// retries whatever syscall it yielded on, and it must see EBADF (and
	// return) rather than EAGAIN (and yield again, with nothing left to
	// receive that second yield).
	_ = unix.Close(conn.fd)
	if conn.task != nil {
		conn.task.Cancel()
	}

	l.mu.Lock()
	delete(l.conns, conn.fd)
	l.mu.Unlock()
}
