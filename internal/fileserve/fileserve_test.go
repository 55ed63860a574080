package fileserve

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/filecache"
	"github.com/ankit-kulkarni/filed/internal/httpwire"
	"github.com/ankit-kulkarni/filed/internal/pathresolve"
)

type recordingSender struct {
	header []byte
	body   []byte
	fd     int
	offset int64
	length int64
	used   string // "bytes" or "file"
}

func (s *recordingSender) SendBytes(header, body []byte) error {
	s.header, s.body, s.used = header, body, "bytes"
	return nil
}

func (s *recordingSender) SendFile(header []byte, fd int, offset, length int64) error {
	s.header, s.fd, s.offset, s.length, s.used = header, fd, offset, length, "file"
	return nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world"), 0o644))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	abs, err = filepath.EvalSymlinks(abs)
	require.NoError(t, err)
	fd, err := unix.Open(abs, unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	root := &pathresolve.Root{FD: fd, AbsPath: abs, IndexName: "index.html"}
	cache := filecache.New(filecache.NewFactory(root), nil)
	return New(cache, root)
}

func parseReq(t *testing.T, raw string) *httpwire.Request {
	t.Helper()
	req, err := httpwire.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return req
}

func TestServeFullResponseInMemory(t *testing.T) {
	h := newTestHandler(t)
	req := parseReq(t, "GET /hello.txt HTTP/1.1\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Equal(t, "bytes", sender.used)
	assert.Contains(t, string(sender.header), "200 OK")
	assert.Equal(t, "hello world", string(sender.body))
}

func TestServeHeadHasNoBody(t *testing.T) {
	h := newTestHandler(t)
	req := parseReq(t, "HEAD /hello.txt HTTP/1.1\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Nil(t, sender.body)
	assert.Contains(t, string(sender.header), "200 OK")
}

func TestServeMissingFileIs404(t *testing.T) {
	h := newTestHandler(t)
	req := parseReq(t, "GET /nope.txt HTTP/1.1\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Contains(t, string(sender.header), "404")
}

func TestServePartialRange(t *testing.T) {
	h := newTestHandler(t)
	req := parseReq(t, "GET /hello.txt HTTP/1.1\r\nRange: bytes=0-4\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Contains(t, string(sender.header), "206 Partial Content")
	assert.Equal(t, "hello", string(sender.body))
}

func TestServeRangeNotSatisfiable(t *testing.T) {
	h := newTestHandler(t)
	req := parseReq(t, "GET /hello.txt HTTP/1.1\r\nRange: bytes=1000-2000\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Contains(t, string(sender.header), "416")
}

func TestServeNotModified(t *testing.T) {
	h := newTestHandler(t)
	req := parseReq(t, "GET /hello.txt HTTP/1.1\r\nIf-Modified-Since: Mon, 01 Jan 2035 00:00:00 GMT\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Contains(t, string(sender.header), "304")
}

func TestServeLargeFileUsesZeroCopy(t *testing.T) {
	dir := t.TempDir()
	big := bytes.Repeat([]byte("x"), filecache.InMemoryThreshold+1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), big, 0o644))

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	abs, err = filepath.EvalSymlinks(abs)
	require.NoError(t, err)
	fd, err := unix.Open(abs, unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	root := &pathresolve.Root{FD: fd, AbsPath: abs, IndexName: "index.html"}
	cache := filecache.New(filecache.NewFactory(root), nil)
	h := New(cache, root)

	req := parseReq(t, "GET /big.bin HTTP/1.1\r\n\r\n")
	var sender recordingSender

	require.NoError(t, h.Serve(nil, req, &sender))
	assert.Equal(t, "file", sender.used)
	assert.Contains(t, string(sender.header), "200 OK")
	assert.Equal(t, int64(len(big)), sender.length)
	t.Cleanup(func() { unix.Close(sender.fd) })
}

func TestServeZeroCopyOpenFailureIsMappedNotDiscarded(t *testing.T) {
	h := newTestHandler(t)

	// A ZeroCopy entry pointing at a path that can never be opened drives
	// sendZeroCopy's error-mapping branches directly, without going
	// through the cache's own lookup.
	entry := &filecache.Entry{
		Size: 10,
		ZeroCopy: &filecache.ZeroCopyPayload{
			AbsPath: filepath.Join(t.TempDir(), "does-not-exist.bin"),
		},
	}
	var sender recordingSender
	err := h.sendZeroCopy(nil, &sender, []byte("HTTP/1.1 200 OK\r\n\r\n"), entry, 0, 10)

	require.NoError(t, err)
	assert.Contains(t, string(sender.header), "404")
}
