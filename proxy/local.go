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
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"ratioproxy/announce"
	"ratioproxy/collectors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
	"github.com/zeebo/bencode"
)

// local answers origin-form requests addressed to the proxy itself.
func (h *httpHandler) local(conn net.Conn, req *announce.Request) {
	buf := h.bufferPool.Take()
	defer h.bufferPool.Give(buf)

	status := fasthttp.StatusOK

	switch req.Path() {
	case "/metrics":
		h.metrics(buf)
	case "/check":
		h.check(buf)
	default:
		status = fasthttp.StatusNotFound
	}

	writeResponse(conn, status, buf.Bytes())
}

func (h *httpHandler) metrics(buf *bytes.Buffer) {
	global := h.store.Global()

	collectors.UpdateUptime(time.Since(h.startTime).Seconds())
	collectors.UpdateTorrents(h.store.Len())
	collectors.UpdateTransfer(global.Totals())
	collectors.SetCooldown(global.InCooldown(time.Now()))

	mfs, _ := h.normalRegisterer.(prometheus.Gatherer).Gather()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
			panic(err)
		}
	}
}

func (h *httpHandler) check(buf *bytes.Buffer) {
	type response struct {
		Now    int64 `json:"now"`
		Uptime int64 `json:"uptime"`
	}

	res, err := json.Marshal(response{time.Now().UnixMilli(), time.Since(h.startTime).Milliseconds()})
	if err != nil {
		panic(err)
	}

	buf.Write(res)
}

func writeResponse(conn net.Conn, status int, body []byte) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, fasthttp.StatusMessage(status))
	fmt.Fprintf(&buf, "Content-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	buf.Write(body)

	_, _ = conn.Write(buf.Bytes())
}

func bencodeFailure(reason string, interval time.Duration) []byte {
	failureData := make(map[string]interface{})
	failureData["failure reason"] = reason
	failureData["interval"] = interval / time.Second     // Assuming in seconds
	failureData["min interval"] = interval / time.Second // Assuming in seconds

	data, err := bencode.EncodeBytes(failureData)
	if err != nil {
		panic(err)
	}

	return data
}
