// Package pathresolve canonicalizes a request-relative key against a
// document root directory fd, refusing anything that escapes the root.
//
// Never trust lexical rejection of ".." -- always canonicalize against the
// root fd (openat-relative, symlinks resolved by the kernel) and compare
// the byte-prefix of the resulting absolute path. This mirrors lwan's
// realpathat2() + strncmp(full_path, priv->root.path, priv->root.path_len)
// pair in lwan-serve-files.c.
package pathresolve

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotFound covers missing paths, permission errors, and prefix escapes;
// callers map it straight to HTTP 404 per spec.
var ErrNotFound = errors.New("pathresolve: not found")

// Outcome tells the caller which serving strategy the resolved path implies.
type Outcome int

const (
	// Resolved means Key names a regular file or directory containing an
	// index file to serve.
	Resolved Outcome = iota
	// RenderListing means the target is a directory with no index file;
	// the caller should synthesize a directory listing instead of
	// opening a file.
	RenderListing
)

// Stat is the subset of file metadata the caller needs, independent of the
// stat representation on this platform.
type Stat struct {
	Size    int64
	IsDir   bool
	ModTime int64 // epoch seconds
}

// Result is what Resolve hands back on success.
type Result struct {
	// Key is the root-relative path (no leading slash) to open with
	// openat(rootFD, Key, ...).
	Key     string
	Abs     string
	Stat    Stat
	Outcome Outcome
}

// Root holds the immutable, process-scoped document root state.
type Root struct {
	FD        int    // kept open for the process lifetime
	AbsPath   string // canonical absolute path, no trailing slash
	IndexName string
}

// Resolve canonicalizes key (already stripped of its leading '/'s by the
// caller) against root. An empty key resolves to the configured index file.
//
// Symlinks are resolved by the kernel as part of the openat/readlink
// sequence inside statAt; ".." segments are collapsed before the
// byte-prefix check runs.
func Resolve(root *Root, key string) (Result, error) {
	lookup := key
	if lookup == "" {
		lookup = root.IndexName
	}
	lookup = cleanRelative(lookup)

	abs, st, err := statAt(root.FD, lookup)
	if err != nil {
		return Result{}, ErrNotFound
	}
	if !withinRoot(root.AbsPath, abs) {
		return Result{}, ErrNotFound
	}

	if !st.IsDir {
		return Result{Key: lookup, Abs: abs, Stat: st, Outcome: Resolved}, nil
	}

	// Directory: try the index file inside it (root.IndexName for the
	// bare root itself, "<dir>/index.html" otherwise).
	withIndex := root.IndexName
	if lookup != "" {
		withIndex = lookup + "/" + root.IndexName
	}

	idxAbs, idxSt, err := statAt(root.FD, withIndex)
	switch {
	case err == nil:
		if !withinRoot(root.AbsPath, idxAbs) {
			return Result{}, ErrNotFound
		}
		return Result{Key: withIndex, Abs: idxAbs, Stat: idxSt, Outcome: Resolved}, nil
	case errors.Is(err, os.ErrNotExist):
		return Result{Key: lookup, Abs: abs, Stat: st, Outcome: RenderListing}, nil
	default:
		return Result{}, ErrNotFound
	}
}

// cleanRelative collapses ".." and "." segments without ever trusting the
// result for security -- statAt below still canonicalizes through the
// kernel and withinRoot still checks the byte prefix of what the kernel
// resolved, not of this cleaned string.
func cleanRelative(p string) string {
	cleaned := filepath.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}

// withinRoot enforces the strict-prefix invariant: canonical(P) must have
// document_root as a byte-prefix.
func withinRoot(rootAbs, candidate string) bool {
	if candidate == rootAbs {
		return true
	}
	return strings.HasPrefix(candidate, rootAbs+string(filepath.Separator))
}

// statAt resolves relPath against rootFD via openat (chasing symlinks
// through the kernel) and recovers both the canonical absolute path (via
// /proc/self/fd) and a Stat snapshot, all from the same opened fd so there
// is no TOCTOU window between resolving the path and stat-ing it.
func statAt(rootFD int, relPath string) (string, Stat, error) {
	fd, err := unix.Openat(rootFD, relPath, unix.O_RDONLY, 0)
	if err != nil {
		return "", Stat{}, mapErrno(err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return "", Stat{}, mapErrno(err)
	}

	abs, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
	if err != nil {
		return "", Stat{}, err
	}

	return abs, Stat{
		Size:    st.Size,
		IsDir:   st.Mode&unix.S_IFMT == unix.S_IFDIR,
		ModTime: st.Mtim.Sec,
	}, nil
}

func mapErrno(err error) error {
	if errors.Is(err, unix.ENOENT) {
		return os.ErrNotExist
	}
	if errors.Is(err, unix.EACCES) {
		return os.ErrPermission
	}
	return err
}
