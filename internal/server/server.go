// Package server wires N per-thread event loops (internal/ioloop) around
// a shared listener: one goroutine accepts connections and round-robins
// each accepted fd to a loop thread, mirroring lwan's thread-per-core
// model where lwan_thread_t instances each own an epoll instance and the
// main thread only accepts and dispatches.
package server

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"syscall"

	"github.com/ankit-kulkarni/filed/internal/fileserve"
	"github.com/ankit-kulkarni/filed/internal/ioloop"
	"github.com/ankit-kulkarni/filed/internal/metrics"
)

// Server owns a listener and a fixed pool of event-loop threads.
type Server struct {
	ln    net.Listener
	loops []*ioloop.Loop

	next   uint64
	nextMu sync.Mutex

	wg sync.WaitGroup
}

// New builds a Server with numThreads loop threads, each serving requests
// through handler. numThreads <= 0 defaults to runtime.NumCPU().
func New(ln net.Listener, handler *fileserve.Handler, reg *metrics.Registry, numThreads int) (*Server, error) {
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	loops := make([]*ioloop.Loop, numThreads)
	for i := range loops {
		l, err := ioloop.New(handler, reg)
		if err != nil {
			for _, prior := range loops[:i] {
				if prior != nil {
					_ = prior.Close()
				}
			}
			return nil, fmt.Errorf("server: starting loop %d: %w", i, err)
		}
		loops[i] = l
	}

	return &Server{ln: ln, loops: loops}, nil
}

// Serve runs every loop thread (each pinned to its own OS thread, the way
// lwan_thread_init pins one pthread per core) and the accept loop, and
// blocks until the listener is closed.
func (s *Server) Serve() error {
	s.wg.Add(len(s.loops))
	for _, l := range s.loops {
		go s.runLoop(l)
	}

	err := s.acceptLoop()
	s.wg.Wait()
	return err
}

// runLoop pins the calling goroutine to an OS thread for the lifetime of
// one Loop -- epoll registration and wake-ups are cheaper when a loop's
// fd set never migrates across CPUs.
func (s *Server) runLoop(l *ioloop.Loop) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	_ = l.Run()
}

// acceptLoop accepts connections until the listener closes, registering
// each one's raw fd with the next loop thread in round-robin order.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}

		fd, ok := extractFD(conn)
		// The dup in fd keeps the socket alive independent of conn; close
		// conn immediately so only the loop-owned dup remains open.
		_ = conn.Close()
		if !ok {
			continue
		}

		loop := s.pickLoop()
		if err := loop.AddConnection(fd); err != nil {
			_ = syscall.Close(fd)
		}
	}
}

// pickLoop round-robins across the loop pool.
func (s *Server) pickLoop() *ioloop.Loop {
	s.nextMu.Lock()
	idx := s.next % uint64(len(s.loops))
	s.next++
	s.nextMu.Unlock()
	return s.loops[idx]
}

// Loops returns the underlying loop pool, so callers (cmd/filed's debug
// admin wiring) can attach a reap observer to every thread.
func (s *Server) Loops() []*ioloop.Loop {
	return s.loops
}

// Close stops the accept loop and every event-loop thread.
func (s *Server) Close() error {
	err := s.ln.Close()
	for _, l := range s.loops {
		_ = l.Close()
	}
	return err
}

// extractFD pulls a non-blocking, close-on-exec dup of conn's raw socket
// fd via SyscallConn -- the same FD-introspection technique
// graceful_restarts/SocketHandoff/main.go uses (there, to dup a listener
// fd for handoff across exec; here, per accepted connection, so
// internal/ioloop can epoll-register it directly). The caller closes conn
// itself once this returns; the dup keeps the underlying socket open
// independent of conn's lifetime, and ioloop.Loop owns the dup from here
// on.
func extractFD(conn net.Conn) (int, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}

	var fd int
	var dupErr error
	err = raw.Control(func(ptr uintptr) {
		fd, dupErr = dupCloexec(int(ptr))
	})
	if err != nil || dupErr != nil {
		return 0, false
	}
	return fd, true
}
