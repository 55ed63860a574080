//go:build linux

package ioloop

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/fdtask"
)

// connSender implements fileserve.Sender against one connection's raw fd.
// Only the zero-copy sendfile transfer suspends the owning task on
// EAGAIN; header and body writes via writev are not retried, matching
// lwan-serve-files.c's _mmap_serve/_dirlist_serve, which treat any
// writev failure -- EWOULDBLOCK included -- as a hard
// HTTP_INTERNAL_ERROR with no retry. Grounded on sendfl/main.go's
// syscall.Sendfile usage for the zero-copy path, generalized from a
// one-shot benchmark call into a retry-on-EAGAIN loop the way lwan's
// _server_respond_socket does.
type connSender struct {
	fd   int
	task *fdtask.Task
}

// SendBytes scatter-writes header and body in a single writev call where
// possible -- combining the status line/headers with small bodies avoids
// a second TCP segment for the common case of a short in-memory or
// directory-listing response.
func (s *connSender) SendBytes(header, body []byte) error {
	parts := make([][]byte, 0, 2)
	if len(header) > 0 {
		parts = append(parts, header)
	}
	if len(body) > 0 {
		parts = append(parts, body)
	}
	return s.writevAll(parts)
}

// SendFile writes header with a plain write loop, then transfers
// [offset, offset+length) from fd to the connection via sendfile,
// yielding the task on EAGAIN and resuming where the kernel left off.
func (s *connSender) SendFile(header []byte, fd int, offset, length int64) error {
	if len(header) > 0 {
		if err := s.writevAll([][]byte{header}); err != nil {
			return err
		}
	}

	off := offset
	remaining := length
	for remaining > 0 {
		n, err := unix.Sendfile(s.fd, fd, &off, int(remaining))
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				s.task.Yield(true)
				continue
			}
			return err
		}
		if n == 0 {
			return errShortSendfile
		}
		remaining -= int64(n)
	}
	return nil
}

var errShortSendfile = errors.New("ioloop: sendfile made no progress")

// writevAll issues unix.Writev against parts, reslicing whatever remains
// after a partial write and retrying until every part is fully written.
// It does not yield: a non-blocking writev that would block (EAGAIN) is
// reported to the caller as a hard error rather than parking the task,
// since header/body writes are not one of the two documented suspension
// points (the fd-bounded open helper and the zero-copy transfer).
func (s *connSender) writevAll(parts [][]byte) error {
	for {
		for len(parts) > 0 && len(parts[0]) == 0 {
			parts = parts[1:]
		}
		if len(parts) == 0 {
			return nil
		}

		iovs := make([]unix.Iovec, len(parts))
		for i, p := range parts {
			iovs[i] = unix.Iovec{Base: &p[0]}
			iovs[i].SetLen(len(p))
		}

		n, err := unix.Writev(s.fd, iovs)
		if err != nil {
			return err
		}
		parts = advance(parts, n)
	}
}

// advance drops the first n bytes across parts, in order, returning the
// remaining (possibly resliced) parts.
func advance(parts [][]byte, n int) [][]byte {
	for n > 0 && len(parts) > 0 {
		if n < len(parts[0]) {
			parts[0] = parts[0][n:]
			return parts
		}
		n -= len(parts[0])
		parts = parts[1:]
	}
	return parts
}
