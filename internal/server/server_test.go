//go:build linux

package server

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/filecache"
	"github.com/ankit-kulkarni/filed/internal/fileserve"
	"github.com/ankit-kulkarni/filed/internal/pathresolve"
)

func newTestHandler(t *testing.T) *fileserve.Handler {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello from server"), 0o644))

	abs, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	rootFD, err := unix.Open(abs, unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(rootFD) })

	root := &pathresolve.Root{FD: rootFD, AbsPath: abs, IndexName: "index.html"}
	cache := filecache.New(filecache.NewFactory(root), nil)
	return fileserve.New(cache, root)
}

func TestServeEndToEndOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv, err := New(ln, newTestHandler(t), nil, 2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /hello.txt HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "200 OK")
}

func TestPickLoopRoundRobins(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv, err := New(ln, newTestHandler(t), nil, 3)
	require.NoError(t, err)
	defer srv.Close()

	first := srv.pickLoop()
	second := srv.pickLoop()
	third := srv.pickLoop()
	fourth := srv.pickLoop()

	assert.NotSame(t, first, second)
	assert.NotSame(t, second, third)
	assert.Same(t, first, fourth)
}
