//go:build linux

package ioloop

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/deathqueue"
	"github.com/ankit-kulkarni/filed/internal/filecache"
	"github.com/ankit-kulkarni/filed/internal/fileserve"
	"github.com/ankit-kulkarni/filed/internal/pathresolve"
)

func newTestLoop(t *testing.T) (*Loop, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	abs, err = filepath.EvalSymlinks(abs)
	require.NoError(t, err)
	rootFD, err := unix.Open(abs, unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(rootFD) })

	root := &pathresolve.Root{FD: rootFD, AbsPath: abs, IndexName: "index.html"}
	cache := filecache.New(filecache.NewFactory(root), nil)
	handler := fileserve.New(cache, root)

	loop, err := New(handler, nil)
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })
	return loop, dir
}

func TestLoopServesOneRequestEndToEnd(t *testing.T) {
	loop, _ := newTestLoop(t)

	serverFD, clientFD := socketpair(t)
	require.NoError(t, loop.AddConnection(serverFD))

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	t.Cleanup(func() {
		loop.Close()
		<-done
	})

	_, err := unix.Write(clientFD, []byte("GET /hello.txt HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	client := os.NewFile(uintptr(dupFD(t, clientFD)), "client")
	defer client.Close()
	require.NoError(t, unix.SetNonblock(clientFD, false))

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200 OK")
}

// dupFD duplicates fd so the test can hand a fresh *os.File to bufio
// without racing the raw fd's non-blocking mode flips done elsewhere in
// the test.
func dupFD(t *testing.T, fd int) int {
	t.Helper()
	nfd, err := unix.Dup(fd)
	require.NoError(t, err)
	return nfd
}

func TestLoopRefreshesTimeToDieOnEachRequest(t *testing.T) {
	loop, _ := newTestLoop(t)

	serverFD, clientFD := socketpair(t)
	require.NoError(t, loop.AddConnection(serverFD))

	_, err := unix.Write(clientFD, []byte("GET /hello.txt HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	_, err = loop.poller.Wait(1000)
	require.NoError(t, err)

	conn := loop.conns[serverFD]
	require.NotNil(t, conn)
	firstDeadline := conn.timeToDie

	// Advance the clock a few ticks -- well short of KeepAliveTicks -- so
	// a second request's deadline is observably later than the first's
	// only if it was actually recomputed.
	for i := 0; i < 5; i++ {
		loop.deathQ.KillWaiting(func(deathqueue.Entry) { t.Fatal("connection reaped too early") })
	}

	_, err = unix.Write(clientFD, []byte("GET /hello.txt HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	_, err = loop.poller.Wait(1000)
	require.NoError(t, err)

	assert.Greater(t, conn.timeToDie, firstDeadline)
}

func TestLoopEpollTimeoutIdlesAfterKeepAlivePush(t *testing.T) {
	loop, _ := newTestLoop(t)
	assert.Equal(t, -1, loop.deathQ.EpollTimeout())

	serverFD, clientFD := socketpair(t)
	require.NoError(t, loop.AddConnection(serverFD))

	_, err := unix.Write(clientFD, []byte("GET /hello.txt HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	_, err = loop.poller.Wait(1000)
	require.NoError(t, err)

	assert.Equal(t, 1000, loop.deathQ.EpollTimeout())
}
