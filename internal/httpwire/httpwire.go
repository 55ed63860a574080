// Package httpwire is a minimal GET/HEAD HTTP/1.1 request-line and header
// parser, and a response status-line/header writer. The file-serving
// subsystem deliberately treats full HTTP/1.1 parsing as outside its own
// scope (see spec Non-goals); this package covers exactly the subset a
// static file handler needs and nothing else -- no chunked transfer
// encoding, no trailers, no request bodies.
//
// Grounded on the raw-socket parsing style in the retrieved
// go_raw_epoll_http_server reference (request line + header lines split
// on CRLF, method restricted to what the handler understands) adapted to
// read from a buffered connection reader instead of a single recv buffer.
package httpwire

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed covers anything that isn't a well-formed GET/HEAD request
// line and CRLF-terminated header block. The event loop sends no response
// for it: the request's task simply ends.
var ErrMalformed = errors.New("httpwire: malformed request")

// ErrMethodNotAllowed is returned when the request line names a method
// other than GET or HEAD.
var ErrMethodNotAllowed = errors.New("httpwire: method not allowed")

const maxHeaderLines = 100

// Request is a parsed GET/HEAD request line plus headers.
type Request struct {
	Method  string
	Path    string // raw request-target, query string included verbatim
	Proto   string
	Headers map[string]string // canonicalized lower-case keys
}

// Header looks up a header by case-insensitive name.
func (r *Request) Header(name string) (string, bool) {
	v, ok := r.Headers[strings.ToLower(name)]
	return v, ok
}

// ReadRequest parses one request from br: a request line, zero or more
// header lines, then the blank line terminating the header block. It
// does not read a body -- GET/HEAD requests never carry one that this
// handler cares about.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	req := &Request{Method: parts[0], Path: parts[1], Proto: parts[2], Headers: map[string]string{}}
	if req.Method != "GET" && req.Method != "HEAD" {
		return nil, ErrMethodNotAllowed
	}
	if !strings.HasPrefix(req.Proto, "HTTP/1.") {
		return nil, ErrMalformed
	}

	for i := 0; i < maxHeaderLines; i++ {
		hline, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if hline == "" {
			return req, nil
		}
		colon := strings.IndexByte(hline, ':')
		if colon < 0 {
			return nil, ErrMalformed
		}
		key := strings.ToLower(strings.TrimSpace(hline[:colon]))
		val := strings.TrimSpace(hline[colon+1:])
		req.Headers[key] = val
	}
	return nil, ErrMalformed
}

// readLine reads one CRLF- or LF-terminated line with the terminator
// stripped. An unterminated trailing line (EOF before '\n') is an error:
// a request line or header line must always be complete.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// StatusLine renders "HTTP/1.1 <code> <reason>\r\n".
func StatusLine(code int, reason string) string {
	return fmt.Sprintf("HTTP/1.1 %d %s\r\n", code, reason)
}

// ResponseHeaders accumulates header lines in insertion order and renders
// them with the blank-line terminator.
type ResponseHeaders struct {
	lines []string
}

// Set appends a "Name: value\r\n" header line.
func (h *ResponseHeaders) Set(name, value string) {
	h.lines = append(h.lines, fmt.Sprintf("%s: %s\r\n", name, value))
}

// Bytes renders the accumulated headers plus the terminating blank line.
func (h *ResponseHeaders) Bytes() []byte {
	var b strings.Builder
	for _, l := range h.lines {
		b.WriteString(l)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
