package fileserve

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/fdtask"
)

// openZeroCopyFD opens absPath read-only for a single sendfile transfer.
// This is the fd-bounded open helper: on EMFILE/ENFILE (the process or
// system is out of file descriptors) it yields task and retries on
// resumption, rather than failing the request outright. task may be nil
// (tests that don't exercise this path), in which case exhaustion is
// reported to the caller immediately.
func openZeroCopyFD(task *fdtask.Task, absPath string) (int, error) {
	for {
		fd, err := unix.Open(absPath, unix.O_RDONLY, 0)
		if err == nil {
			return fd, nil
		}
		if task == nil || (!errors.Is(err, unix.EMFILE) && !errors.Is(err, unix.ENFILE)) {
			return 0, err
		}
		task.Yield(false)
	}
}
