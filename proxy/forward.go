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

package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"ratioproxy/announce"
	"ratioproxy/collectors"

	"github.com/valyala/fasthttp"
)

// forward drives the full pipeline for a proxied request: recognize,
// boost, rewrite, relay. Malformed announces fail open and go out
// unmodified; breaking tracker communication is worse than one unboosted
// announce.
func (h *httpHandler) forward(conn net.Conn, reader *bufio.Reader, req *announce.Request) {
	outHead := req.Head()

	fields, isAnnounce, err := req.Recognize()

	var b *boosted

	switch {
	case err != nil:
		collectors.IncrementAnnounces()
		collectors.IncrementMalformed()
		slog.Warn("malformed announce, forwarding unmodified", "err", err)
	case isAnnounce:
		collectors.IncrementAnnounces()
		outHead, b = h.boost(req, fields)
	default:
		collectors.IncrementPassthrough()
	}

	hostPort, err := req.HostPort()
	if err != nil {
		if b != nil {
			h.abort(b)
		}

		slog.Warn("cannot resolve upstream for request", "target", req.Target, "err", err)
		gatewayFailure(conn, "invalid upstream address")

		return
	}

	upstream, err := net.DialTimeout("tcp", hostPort, h.upstreamTimeout)
	if err != nil {
		if b != nil {
			h.abort(b)
		}

		collectors.IncrementUpstreamErrors()
		slog.Warn("upstream connect failed", "upstream", hostPort, "err", err)
		gatewayFailure(conn, "tracker unreachable")

		return
	}

	defer func() {
		_ = upstream.Close()
	}()

	_ = upstream.SetWriteDeadline(time.Now().Add(h.upstreamTimeout))

	if _, err = upstream.Write(outHead); err != nil {
		if b != nil {
			h.abort(b)
		}

		collectors.IncrementUpstreamErrors()
		gatewayFailure(conn, "tracker unreachable")

		return
	}

	if b != nil {
		h.commit(b)
	}

	// Remaining client bytes (a request body, if any) keep flowing
	// upstream; the copy unblocks when either side closes
	go func() {
		_, _ = io.Copy(upstream, reader)
	}()

	if err = h.relayResponse(conn, upstream); err != nil {
		collectors.IncrementUpstreamErrors()
		slog.Debug("response relay ended with error", "upstream", hostPort, "err", err)
	}
}

// relayResponse streams the upstream response back verbatim. The head is
// scanned only for Content-Length so the relay knows when the response is
// complete; responses without it run until upstream EOF.
func (h *httpHandler) relayResponse(conn net.Conn, upstream net.Conn) error {
	reader := bufio.NewReaderSize(upstream, 8*1024)

	_ = upstream.SetReadDeadline(time.Now().Add(h.upstreamTimeout))

	head, err := readHead(reader)
	if err != nil {
		return err
	}

	if _, err = conn.Write(head); err != nil {
		return err
	}

	remaining, known := contentLength(head)
	if known && remaining == 0 {
		return nil
	}

	buf := make([]byte, 8*1024)

	for {
		_ = upstream.SetReadDeadline(time.Now().Add(h.upstreamTimeout))

		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}

			if known {
				if remaining -= int64(n); remaining <= 0 {
					return nil
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && !known {
				return nil
			}

			return err
		}
	}
}

// contentLength extracts the Content-Length header from a raw response
// head, case-insensitively.
func contentLength(head []byte) (int64, bool) {
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}

		if !bytes.EqualFold(bytes.TrimSpace(line[:colon]), []byte("Content-Length")) {
			continue
		}

		n, err := strconv.ParseInt(string(bytes.TrimSpace(line[colon+1:])), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}

		return n, true
	}

	return 0, false
}

// tunnel serves a CONNECT request with a blind bidirectional relay. TLS
// announces cannot be rewritten, only passed through.
func (h *httpHandler) tunnel(conn net.Conn, reader *bufio.Reader, req *announce.Request) {
	hostPort, err := req.HostPort()
	if err != nil {
		gatewayFailure(conn, "invalid upstream address")
		return
	}

	upstream, err := net.DialTimeout("tcp", hostPort, h.upstreamTimeout)
	if err != nil {
		collectors.IncrementUpstreamErrors()
		slog.Warn("tunnel connect failed", "upstream", hostPort, "err", err)
		gatewayFailure(conn, "tracker unreachable")

		return
	}

	defer func() {
		_ = upstream.Close()
	}()

	if _, err = conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		return
	}

	collectors.IncrementPassthrough()

	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(upstream, reader)
		closeWrite(upstream)
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(conn, upstream)
		closeWrite(conn)
		done <- struct{}{}
	}()

	<-done
	<-done
}

func closeWrite(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
}

// gatewayFailure answers the client with a bencoded failure reason, the
// shape torrent clients know how to surface.
func gatewayFailure(conn net.Conn, reason string) {
	body := bencodeFailure(reason, 30*time.Minute)

	writeResponse(conn, fasthttp.StatusBadGateway, body)
}
