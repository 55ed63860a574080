//go:build linux

package ioloop

import (
	"bufio"
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/fdtask"
)

// yieldingReader adapts a raw, non-blocking socket fd to io.Reader by
// yielding the owning task on EAGAIN instead of blocking the event-loop
// thread. The fd is armed edge-triggered (see interestFlags), so a task
// that yields here is resumed only once new data has actually arrived.
type yieldingReader struct {
	fd   int
	task *fdtask.Task
}

func (r *yieldingReader) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(r.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EAGAIN):
			r.task.Yield(false)
		default:
			return 0, err
		}
	}
}

// newYieldingReader wraps fd in a buffered reader suitable for
// httpwire.ReadRequest.
func newYieldingReader(fd int, task *fdtask.Task) *bufio.Reader {
	return bufio.NewReader(&yieldingReader{fd: fd, task: task})
}
