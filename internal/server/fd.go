package server

import "golang.org/x/sys/unix"

// dupCloexec duplicates fd with O_CLOEXEC set on the copy (so a future
// exec -- e.g. a tableflip upgrade -- doesn't leak it into the child) and
// puts the copy in non-blocking mode, which internal/ioloop requires for
// every fd it epoll-registers.
func dupCloexec(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return 0, err
	}
	return nfd, nil
}
