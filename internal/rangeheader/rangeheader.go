// Package rangeheader implements byte-range parsing/validation and
// If-Modified-Since conditional logic for the file-serving handler.
//
// Grounded on lwan-serve-files.c's _compute_range (single byte-range,
// from/to bounds validated against the entry size) and the
// If-Modified-Since comparison in _serve_file. Multi-range requests
// (RFC 7233's "bytes=0-10,20-30") are out of scope; anything other than
// a single range is treated as though no Range header were sent.
package rangeheader

import (
	"errors"
	"strconv"
	"strings"
)

// ErrNotSatisfiable means the caller must answer 416 Range Not
// Satisfiable with a Content-Range: bytes */size header.
var ErrNotSatisfiable = errors.New("rangeheader: not satisfiable")

// ErrMultiRange means the Range header named more than one range; the
// caller should ignore it and serve the full entity instead of rejecting
// the request.
var ErrMultiRange = errors.New("rangeheader: multi-range unsupported")

// Range is a resolved, half-open byte range [From, From+Length).
type Range struct {
	From   int64
	Length int64
}

// To returns the inclusive end offset, as used in Content-Range headers.
func (r Range) To() int64 { return r.From + r.Length - 1 }

// Parse resolves a Range header value (e.g. "bytes=0-499") against an
// entity of the given size. A missing or empty header is not an error:
// callers should only call Parse once they know a Range header is
// present.
//
// Mirrors _compute_range exactly:
//   - to >= from is required once both are known
//   - from >= size or to >= size -> not satisfiable
//   - to < 0 (open-ended, "bytes=500-") -> length = size - from
//   - otherwise length = to - from + 1 (to is inclusive on the wire,
//     Length is the half-open count of bytes to serve)
//   - length <= 0 -> not satisfiable
func Parse(header string, size int64) (Range, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return Range{}, ErrNotSatisfiable
	}
	if strings.Contains(spec, ",") {
		return Range{}, ErrMultiRange
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return Range{}, ErrNotSatisfiable
	}
	fromStr, toStr := spec[:dash], spec[dash+1:]

	var from, to int64 = 0, -1
	var err error
	if fromStr == "" {
		// Suffix range "bytes=-500": last 500 bytes.
		n, serr := strconv.ParseInt(toStr, 10, 64)
		if serr != nil {
			return Range{}, ErrNotSatisfiable
		}
		if n <= 0 {
			return Range{}, ErrNotSatisfiable
		}
		from = size - n
		if from < 0 {
			from = 0
		}
		to = -1
	} else {
		from, err = strconv.ParseInt(fromStr, 10, 64)
		if err != nil || from < 0 {
			return Range{}, ErrNotSatisfiable
		}
		if toStr != "" {
			to, err = strconv.ParseInt(toStr, 10, 64)
			if err != nil {
				return Range{}, ErrNotSatisfiable
			}
			if to < from {
				return Range{}, ErrNotSatisfiable
			}
		}
	}

	if from >= size {
		return Range{}, ErrNotSatisfiable
	}
	if to >= size {
		return Range{}, ErrNotSatisfiable
	}

	var length int64
	if to < 0 {
		length = size - from
	} else {
		length = to - from + 1
	}
	if length <= 0 {
		return Range{}, ErrNotSatisfiable
	}

	return Range{From: from, Length: length}, nil
}

// NotModified reports whether ifModifiedSince (parsed to epoch seconds by
// the caller) is at or after lastModified, meaning the caller should
// answer 304 Not Modified with no body. Equality counts as not-modified,
// matching HTTP's "modified strictly after" semantics.
func NotModified(ifModifiedSince, lastModified int64) bool {
	return ifModifiedSince >= lastModified
}
