package filecache

// ZeroCopyPayload names a file fileserve will open (and sendfile) fresh
// on every serve. Unlike InMemory, nothing is read into user space at
// cache-construction time -- only the stat information needed to build
// headers is kept resident, grounded on lwan's _sendfile_init path which
// stores only the file's relative name and size in the cache_entry.
type ZeroCopyPayload struct {
	// AbsPath is the canonical absolute path fileserve opens per-serve
	// (a plain open of this path, not openat against the root fd).
	AbsPath string
}

func newZeroCopyPayload(absPath string) *ZeroCopyPayload {
	return &ZeroCopyPayload{AbsPath: absPath}
}

// release is a no-op placeholder for the day this payload grows an fd
// cache of its own; today fileserve owns every fd it opens and releases
// it through the task's Resources, so the entry itself holds none.
func (p *ZeroCopyPayload) release() {}
