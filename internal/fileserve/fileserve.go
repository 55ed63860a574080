// Package fileserve is the file-serving handler: it strips a request
// path down to a cache key, resolves it through the content cache,
// applies conditional-GET and range logic, and dispatches to whichever
// Sender method matches the resolved entry's strategy.
//
// Grounded on lwan-serve-files.c's serve_files_handle_request: index-key
// substitution, a cache-contention-driven (WouldBlock) fallback to an
// unindexed ("floating") entry, a single retry after stripping a literal ".." segment before
// giving up with 404, and strategy dispatch to whichever _serve_*
// function matches the cached entry.
package fileserve

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/fdtask"
	"github.com/ankit-kulkarni/filed/internal/filecache"
	"github.com/ankit-kulkarni/filed/internal/httpwire"
	"github.com/ankit-kulkarni/filed/internal/pathresolve"
	"github.com/ankit-kulkarni/filed/internal/rangeheader"
)

// Sender transfers a response. InMemory and DirectoryListing bodies go
// through SendBytes (scatter-written alongside the header block);
// ZeroCopy bodies go through SendFile, which owns the sendfile-with-yield
// loop (internal/ioloop) and never touches the entry's own payload
// fields.
type Sender interface {
	SendBytes(header, body []byte) error
	SendFile(header []byte, fd int, offset, length int64) error
}

// Handler ties a content cache to a document root and serves requests
// against it.
type Handler struct {
	Cache *filecache.Cache
	Root  *pathresolve.Root
}

// New builds a Handler backed by a cache constructed with
// filecache.NewFactory(root).
func New(cache *filecache.Cache, root *pathresolve.Root) *Handler {
	return &Handler{Cache: cache, Root: root}
}

// Serve handles one request end to end. task is used for the WouldBlock
// floating-entry fallback path and by the zero-copy path (fd tracking and
// the fd-bounded open's yield). It may be nil (tests, mainly): the lookup
// then goes straight to GetAndRef with no floating fallback, and
// zero-copy opens are neither tracked nor retried.
func (h *Handler) Serve(task *fdtask.Task, req *httpwire.Request, sender Sender) error {
	key := requestKey(req.Path)

	entry, err := h.lookup(task, key)
	if err != nil {
		if retryKey, ok := stripOneDotDot(key); ok {
			entry, err = h.lookup(task, retryKey)
		}
	}
	if err != nil {
		return h.sendError(sender, http.StatusNotFound, "Not Found")
	}

	if im, ok := req.Header("if-modified-since"); ok {
		if t, perr := http.ParseTime(im); perr == nil {
			if rangeheader.NotModified(t.Unix(), entry.LastModified) {
				return h.sendNotModified(sender, entry)
			}
		}
	}

	if rv, ok := req.Header("range"); ok && entry.Strategy != filecache.DirectoryListing {
		rng, rerr := rangeheader.Parse(rv, entry.Size)
		if errors.Is(rerr, rangeheader.ErrNotSatisfiable) {
			return h.sendRangeNotSatisfiable(sender, entry)
		}
		if rerr == nil {
			return h.sendPartial(task, req, entry, rng, sender)
		}
		// ErrMultiRange: fall through to a full 200 response. A malformed
		// Range value comes back as ErrNotSatisfiable and is answered
		// with 416 above.
	}

	return h.sendFull(task, req, entry, sender)
}

func (h *Handler) lookup(task *fdtask.Task, key string) (*filecache.Entry, error) {
	if task == nil {
		return h.Cache.GetAndRef(key)
	}
	return h.Cache.GetForTask(key, func(k string) (*filecache.Entry, error) {
		return filecache.BuildFloating(h.Root, k)
	}, task.Resources.OnRelease)
}

// requestKey strips the request-target down to a root-relative cache
// key: drop the query string, then the leading slash.
func requestKey(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return strings.TrimPrefix(path, "/")
}

// stripOneDotDot removes the first "../" occurrence from key and reports whether it changed anything, so callers retry at
// most once rather than looping.
func stripOneDotDot(key string) (string, bool) {
	const marker = "../"
	i := strings.Index(key, marker)
	if i < 0 {
		return "", false
	}
	return key[:i] + key[i+len(marker):], true
}

func (h *Handler) sendFull(task *fdtask.Task, req *httpwire.Request, entry *filecache.Entry, sender Sender) error {
	hdr := commonHeaders(entry)

	switch entry.Strategy {
	case filecache.InMemory:
		acceptsDeflate := strings.Contains(lowerHeader(req, "accept-encoding"), "deflate")
		body, deflated := entry.InMemory.Select(acceptsDeflate)
		if deflated {
			hdr.Set("Content-Encoding", "deflate")
		}
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
		status := httpwire.StatusLine(http.StatusOK, "OK")
		if req.Method == "HEAD" {
			return sender.SendBytes(append([]byte(status), hdr.Bytes()...), nil)
		}
		return sender.SendBytes(append([]byte(status), hdr.Bytes()...), body)

	case filecache.DirectoryListing:
		hdr.Set("Content-Length", strconv.Itoa(len(entry.DirList.HTML)))
		status := httpwire.StatusLine(http.StatusOK, "OK")
		if req.Method == "HEAD" {
			return sender.SendBytes(append([]byte(status), hdr.Bytes()...), nil)
		}
		return sender.SendBytes(append([]byte(status), hdr.Bytes()...), entry.DirList.HTML)

	default: // ZeroCopy
		hdr.Set("Content-Length", strconv.FormatInt(entry.Size, 10))
		status := httpwire.StatusLine(http.StatusOK, "OK")
		headerBytes := append([]byte(status), hdr.Bytes()...)
		if req.Method == "HEAD" {
			return sender.SendBytes(headerBytes, nil)
		}
		return h.sendZeroCopy(task, sender, headerBytes, entry, 0, entry.Size)
	}
}

func (h *Handler) sendPartial(task *fdtask.Task, req *httpwire.Request, entry *filecache.Entry, rng rangeheader.Range, sender Sender) error {
	hdr := commonHeaders(entry)
	hdr.Set("Content-Length", strconv.FormatInt(rng.Length, 10))
	hdr.Set("Content-Range", "bytes "+strconv.FormatInt(rng.From, 10)+"-"+strconv.FormatInt(rng.To(), 10)+"/"+strconv.FormatInt(entry.Size, 10))
	status := httpwire.StatusLine(http.StatusPartialContent, "Partial Content")
	headerBytes := append([]byte(status), hdr.Bytes()...)

	if req.Method == "HEAD" {
		return sender.SendBytes(headerBytes, nil)
	}

	switch entry.Strategy {
	case filecache.InMemory:
		body, _ := entry.InMemory.Select(false)
		return sender.SendBytes(headerBytes, body[rng.From:rng.From+rng.Length])
	default: // ZeroCopy; DirectoryListing never reaches here (Range skipped above)
		return h.sendZeroCopy(task, sender, headerBytes, entry, rng.From, rng.Length)
	}
}

func (h *Handler) sendRangeNotSatisfiable(sender Sender, entry *filecache.Entry) error {
	var hdr httpwire.ResponseHeaders
	hdr.Set("Content-Range", "bytes */"+strconv.FormatInt(entry.Size, 10))
	hdr.Set("Content-Length", "0")
	status := httpwire.StatusLine(http.StatusRequestedRangeNotSatisfiable, "Range Not Satisfiable")
	return sender.SendBytes(append([]byte(status), hdr.Bytes()...), nil)
}

func (h *Handler) sendNotModified(sender Sender, entry *filecache.Entry) error {
	var hdr httpwire.ResponseHeaders
	hdr.Set("Last-Modified", formatHTTPDate(entry.LastModified))
	status := httpwire.StatusLine(http.StatusNotModified, "Not Modified")
	return sender.SendBytes(append([]byte(status), hdr.Bytes()...), nil)
}

func (h *Handler) sendError(sender Sender, code int, reason string) error {
	body := []byte(reason + "\n")
	var hdr httpwire.ResponseHeaders
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	status := httpwire.StatusLine(code, reason)
	return sender.SendBytes(append([]byte(status), hdr.Bytes()...), body)
}

func commonHeaders(entry *filecache.Entry) httpwire.ResponseHeaders {
	var hdr httpwire.ResponseHeaders
	hdr.Set("Content-Type", entry.MIMEType)
	hdr.Set("Last-Modified", formatHTTPDate(entry.LastModified))
	hdr.Set("Accept-Ranges", "bytes")
	return hdr
}

func formatHTTPDate(epochSeconds int64) string {
	return time.Unix(epochSeconds, 0).UTC().Format(http.TimeFormat)
}

func lowerHeader(req *httpwire.Request, name string) string {
	v, _ := req.Header(name)
	return strings.ToLower(v)
}

// sendZeroCopy opens a fresh fd for this serve (lwan never shares fds
// across concurrent requests for a ZeroCopy entry) and hands it to the
// sender. When task is non-nil the fd is registered with it so a
// connection hangup mid-transfer still guarantees the fd closes, and the
// open itself can yield on fd exhaustion; the sender itself never closes
// the fd.
//
// An open failure is mapped to a response rather than propagated as a
// transport error: EACCES->403, EMFILE/ENFILE (still exhausted after the
// fd-bounded helper gave up, i.e. task was nil)->503, anything else->404.
func (h *Handler) sendZeroCopy(task *fdtask.Task, sender Sender, headerBytes []byte, entry *filecache.Entry, offset, length int64) error {
	fd, err := openZeroCopyFD(task, entry.ZeroCopy.AbsPath)
	if err != nil {
		switch {
		case errors.Is(err, unix.EACCES):
			return h.sendError(sender, http.StatusForbidden, "Forbidden")
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
			return h.sendError(sender, http.StatusServiceUnavailable, "Service Unavailable")
		default:
			return h.sendError(sender, http.StatusNotFound, "Not Found")
		}
	}
	if task != nil {
		task.Resources.Track(fd)
	}
	return sender.SendFile(headerBytes, fd, offset, length)
}
