package filecache

import (
	"bytes"

	"github.com/klauspost/compress/flate"
)

// deflateHeaderCost is the fixed overhead of advertising a deflated body:
// sizeof("Content-Encoding: deflate"). A compressed body is worth
// keeping only if it beats the uncompressed one by more than this,
// mirroring lwan's _compress_cached_entry: compressed is discarded unless
// compressed_size + deflate_header_size < uncompressed_size.
const deflateHeaderCost = len("Content-Encoding: deflate")

// InMemoryPayload holds a fully resident file body plus, when it pays off,
// a deflate-compressed alternative.
type InMemoryPayload struct {
	Data       []byte
	Compressed []byte // nil when compression didn't shrink the body enough
}

// buildInMemoryPayload reads data and opportunistically deflates it,
// keeping the compressed form only when it clears deflateHeaderCost.
func buildInMemoryPayload(data []byte) (*InMemoryPayload, error) {
	p := &InMemoryPayload{Data: data}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if buf.Len()+deflateHeaderCost < len(data) {
		p.Compressed = buf.Bytes()
	}
	return p, nil
}

// Select returns the bytes to serve for an entry given whether the
// requester accepts deflate encoding, plus whether Content-Encoding should
// be set.
func (p *InMemoryPayload) Select(acceptsDeflate bool) (body []byte, deflated bool) {
	if acceptsDeflate && p.Compressed != nil {
		return p.Compressed, true
	}
	return p.Data, false
}
