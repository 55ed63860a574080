//go:build linux

package ioloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fillSocketBuffer writes to fd until it would block, so a subsequent
// write against it observes EAGAIN without anything on the other end
// ever draining it.
func fillSocketBuffer(t *testing.T, fd int) {
	t.Helper()
	chunk := make([]byte, 65536)
	for i := 0; i < 64; i++ {
		_, err := unix.Write(fd, chunk)
		if err != nil {
			require.ErrorIs(t, err, unix.EAGAIN)
			return
		}
	}
	t.Fatal("socket buffer never filled")
}

func TestSendBytesDoesNotRetryOnEAGAIN(t *testing.T) {
	a, _ := socketpair(t)
	fillSocketBuffer(t, a)

	s := &connSender{fd: a}
	err := s.SendBytes([]byte("header"), []byte("body"))
	assert.ErrorIs(t, err, unix.EAGAIN)
}
