/*
 * This file is part of ratioproxy.
 *
 * ratioproxy is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * ratioproxy is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with ratioproxy.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package announce classifies intercepted requests and rewrites the
// uploaded parameter of tracker announces. Rewriting is a byte-span
// substitution on the original request head; the query string is never
// re-serialized, so parameter order, casing and escaping reach the tracker
// exactly as the client sent them.
package announce

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
)

// ErrMalformed marks a request that carries the announce signature but
// cannot be safely rewritten. Callers are expected to fail open and forward
// the request unmodified.
var ErrMalformed = errors.New("malformed announce")

// Request is a parsed client request head. The raw bytes are kept verbatim
// for forwarding and rewriting.
type Request struct {
	Method string
	Target string
	Proto  string

	head []byte

	// Byte span of the uploaded value digits within head, set by Recognize
	uploadedOff int
	uploadedLen int
}

// Fields holds the announce parameters the multiplier pipeline needs.
// Uploaded is the client's self-reported value and is informational only.
type Fields struct {
	InfoHash   string
	Downloaded uint64
	Uploaded   uint64
	Left       uint64
	HasLeft    bool
}

// ParseHead splits the request line out of a raw head (request line through
// the blank line, CRLF line endings).
func ParseHead(head []byte) (*Request, error) {
	eol := bytes.IndexByte(head, '\n')
	if eol < 0 {
		return nil, errors.New("request head has no request line")
	}

	line := string(bytes.TrimRight(head[:eol], "\r\n"))

	first := strings.IndexByte(line, ' ')
	last := strings.LastIndexByte(line, ' ')

	if first < 0 || last <= first {
		return nil, fmt.Errorf("unparseable request line %q", line)
	}

	r := &Request{
		Method: line[:first],
		Target: line[first+1 : last],
		Proto:  line[last+1:],
		head:   head,
	}

	if r.Method == "" || r.Target == "" || !strings.HasPrefix(r.Proto, "HTTP/") {
		return nil, fmt.Errorf("unparseable request line %q", line)
	}

	return r, nil
}

// Head returns the raw request head as received from the client.
func (r *Request) Head() []byte {
	return r.head
}

func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// IsProxied reports whether the request line carries an absolute-URI
// target, i.e. the client is using this process as a forward proxy.
func (r *Request) IsProxied() bool {
	return strings.Contains(r.Target, "://")
}

// Path returns the path of an origin-form target, without its query.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.Target, '?'); i >= 0 {
		return r.Target[:i]
	}

	return r.Target
}

// HostPort resolves the upstream address to dial for this request.
func (r *Request) HostPort() (string, error) {
	if r.IsConnect() {
		if strings.LastIndexByte(r.Target, ':') < 0 {
			return r.Target + ":443", nil
		}

		return r.Target, nil
	}

	u, err := url.Parse(r.Target)
	if err != nil {
		return "", err
	}

	if u.Host == "" {
		return "", fmt.Errorf("request target %q has no host", r.Target)
	}

	if u.Port() != "" {
		return u.Host, nil
	}

	if u.Scheme == "https" {
		return u.Host + ":443", nil
	}

	return u.Host + ":80", nil
}

// rawQuery returns the query substring of the target and its byte offset
// within the head buffer.
func (r *Request) rawQuery() (string, int) {
	q := strings.IndexByte(r.Target, '?')
	if q < 0 || q == len(r.Target)-1 {
		return "", -1
	}

	// The request line starts at offset 0: METHOD SP target SP proto
	return r.Target[q+1:], len(r.Method) + 1 + q + 1
}

// Recognize decides whether the request is a tracker announce and extracts
// its fields. The signature is a GET whose query carries both info_hash and
// uploaded; anything else is ordinary traffic to pass through. A recognized
// announce whose uploaded value cannot be pinned to exactly one digit run,
// or which lacks a usable downloaded value, yields ErrMalformed.
func (r *Request) Recognize() (Fields, bool, error) {
	if r.Method != "GET" || !r.IsProxied() {
		return Fields{}, false, nil
	}

	query, queryOff := r.rawQuery()
	if queryOff < 0 {
		return Fields{}, false, nil
	}

	var args fasthttp.Args

	args.Parse(query)

	infoHash := args.Peek("info_hash")
	if len(infoHash) == 0 || !args.Has("uploaded") {
		return Fields{}, false, nil
	}

	off, length, err := uploadedSpan(query)
	if err != nil {
		return Fields{}, true, err
	}

	r.uploadedOff = queryOff + off
	r.uploadedLen = length

	fields := Fields{InfoHash: string(infoHash)}

	fields.Uploaded, _ = strconv.ParseUint(string(args.Peek("uploaded")), 10, 64)

	fields.Downloaded, err = strconv.ParseUint(string(args.Peek("downloaded")), 10, 64)
	if err != nil {
		return fields, true, fmt.Errorf("%w: unusable downloaded value", ErrMalformed)
	}

	if left := args.Peek("left"); len(left) > 0 {
		if v, err := strconv.ParseUint(string(left), 10, 64); err == nil {
			fields.Left, fields.HasLeft = v, true
		}
	}

	return fields, true, nil
}

// uploadedSpan locates the digits of the uploaded value inside the raw
// query string. Exactly one plain "uploaded=<digits>" parameter must exist;
// duplicates, percent-encoded keys and non-numeric values are unsafe to
// rewrite.
func uploadedSpan(query string) (off, length int, err error) {
	found := 0

	for start := 0; start <= len(query); {
		end := strings.IndexByte(query[start:], '&')
		if end < 0 {
			end = len(query)
		} else {
			end += start
		}

		segment := query[start:end]

		if eq := strings.IndexByte(segment, '='); eq >= 0 && segment[:eq] == "uploaded" {
			value := segment[eq+1:]
			if !isDigits(value) {
				return 0, 0, fmt.Errorf("%w: uploaded value %q is not an integer", ErrMalformed, value)
			}

			off = start + eq + 1
			length = len(value)
			found++
		}

		start = end + 1
	}

	if found != 1 {
		return 0, 0, fmt.Errorf("%w: found %d uploaded parameters, need exactly 1", ErrMalformed, found)
	}

	return off, length, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}
