package filecache

import (
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/filed/internal/pathresolve"
)

// InMemoryThreshold is the file-size cutoff for InMemory entries: files
// strictly smaller than it are built InMemory; anything at or above it is
// served ZeroCopy instead, so large files never pin resident memory
// behind the cache. Mirrors the per-file mmap-vs-sendfile split in
// lwan-serve-files.c.
const InMemoryThreshold = 16 * 1024

// NewFactory returns a Factory that resolves key against root and builds
// the appropriate Entry variant: DirectoryListing for an unindexed
// directory, InMemory for small files, ZeroCopy for everything else.
func NewFactory(root *pathresolve.Root) Factory {
	return func(key string) (*Entry, error) {
		res, err := pathresolve.Resolve(root, key)
		if err != nil {
			return nil, err
		}
		return buildFromResolution(root, res)
	}
}

// BuildFloating builds an unindexed, task-scoped entry for the
// GetForTask WouldBlock path: a contended cache must never push the
// event-loop thread into the expensive work buildFromResolution does for
// InMemory (full read + deflate) or DirectoryListing (template render),
// so a floating entry always comes back ZeroCopy, built from nothing
// more than the stat info pathresolve.Resolve already collected.
func BuildFloating(root *pathresolve.Root, key string) (*Entry, error) {
	res, err := pathresolve.Resolve(root, key)
	if err != nil {
		return nil, err
	}

	mime := detectMIME(root.FD, res.Key)
	e := newEntry(res.Key, mime, res.Stat.ModTime, res.Stat.Size, ZeroCopy)
	e.ZeroCopy = newZeroCopyPayload(res.Abs)
	e.Floating = true
	return e, nil
}

func buildFromResolution(root *pathresolve.Root, res pathresolve.Result) (*Entry, error) {
	if res.Outcome == pathresolve.RenderListing {
		urlPath := "/" + res.Key
		payload, err := buildDirListing(root.FD, res.Key, urlPath)
		if err != nil {
			return nil, err
		}
		e := newEntry(res.Key, "text/html; charset=utf-8", res.Stat.ModTime, int64(len(payload.HTML)), DirectoryListing)
		e.DirList = payload
		return e, nil
	}

	mime := detectMIME(root.FD, res.Key)

	if res.Stat.Size < InMemoryThreshold {
		data, err := readViaRoot(root.FD, res.Key)
		if err != nil {
			return nil, err
		}
		payload, err := buildInMemoryPayload(data)
		if err != nil {
			return nil, err
		}
		e := newEntry(res.Key, mime, res.Stat.ModTime, res.Stat.Size, InMemory)
		e.InMemory = payload
		return e, nil
	}

	e := newEntry(res.Key, mime, res.Stat.ModTime, res.Stat.Size, ZeroCopy)
	e.ZeroCopy = newZeroCopyPayload(res.Abs)
	return e, nil
}

func readViaRoot(rootFD int, relPath string) ([]byte, error) {
	fd, err := unix.Openat(rootFD, relPath, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), relPath)
	defer f.Close()
	return io.ReadAll(f)
}

// detectMIME sniffs the file's content type via mimetype, falling back to
// application/octet-stream if the open fails -- MIME detection is a
// serving-quality concern, never a reason to fail the request.
func detectMIME(rootFD int, relPath string) string {
	fd, err := unix.Openat(rootFD, relPath, unix.O_RDONLY, 0)
	if err != nil {
		return "application/octet-stream"
	}
	f := os.NewFile(uintptr(fd), relPath)
	defer f.Close()

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
