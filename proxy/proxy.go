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

// Package proxy accepts client connections and drives one
// recognize-boost-rewrite-forward pipeline per request. Announces get their
// uploaded value rewritten; everything else passes through untouched.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"ratioproxy/announce"
	"ratioproxy/collectors"
	"ratioproxy/config"
	"ratioproxy/multiplier"
	"ratioproxy/record"
	"ratioproxy/state"
	"ratioproxy/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

const maxHeadBytes = 64 * 1024

type httpHandler struct {
	terminate bool

	waitGroup sync.WaitGroup

	bufferPool *util.BufferPool
	store      *state.Store

	readTimeout      time.Duration
	upstreamTimeout  time.Duration
	engineConfig     multiplier.Config
	cooldownDuration time.Duration
	cacheFile        string

	normalRegisterer prometheus.Registerer
	normalCollector  *collectors.ProxyCollector

	cancel context.CancelFunc

	startTime time.Time
}

var (
	handler  *httpHandler
	listener net.Listener
)

func Start() {
	var err error

	handler = &httpHandler{
		store:     state.NewStore(state.NewGlobal()),
		startTime: time.Now(),
	}

	handler.bufferPool = util.NewBufferPool(maxHeadBytes)

	proxyConfig := config.Section("proxy")
	multiplierConfig := config.Section("multiplier")
	ratioConfig := config.Section("ratio")
	stateConfig := config.Section("state")
	logConfig := config.Section("log")

	port, _ := proxyConfig.GetInt("listen_port", 3456)
	readTimeout, _ := proxyConfig.GetInt("read_timeout", 30)
	upstreamTimeout, _ := proxyConfig.GetInt("upstream_timeout", 15)

	handler.readTimeout = time.Duration(readTimeout) * time.Second
	handler.upstreamTimeout = time.Duration(upstreamTimeout) * time.Second

	maxUpload, _ := multiplierConfig.GetFloat("max_upload_multiplier", 5.0)
	seeding, _ := multiplierConfig.GetFloat("seeding_multiplier", 1.5)
	rampUp, _ := multiplierConfig.GetInt("ramp_up_seconds", 3600)
	randomization, _ := multiplierConfig.GetFloat("randomization_factor", 0.05)
	maxSpeed, _ := multiplierConfig.GetFloat("max_simulated_speed_mbps", 50)
	ratioLimit, _ := ratioConfig.GetFloat("global_ratio_limit", 2.0)
	cooldownMinutes, _ := ratioConfig.GetInt("cooldown_duration_minutes", 30)

	handler.engineConfig = multiplier.Config{
		MaxUpload:     maxUpload,
		Seeding:       seeding,
		RampUp:        time.Duration(rampUp) * time.Second,
		Randomization: randomization,
		MaxSpeedMbps:  maxSpeed,
		RatioLimit:    ratioLimit,
	}
	handler.cooldownDuration = time.Duration(cooldownMinutes) * time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	handler.cancel = cancel

	handler.cacheFile, _ = stateConfig.Get("cache_file", "state-cache.bin")
	persistInterval, _ := stateConfig.GetInt("persist_interval", 68)
	maxTorrents, _ := stateConfig.GetInt("max_torrents", 0)

	handler.store.Load(handler.cacheFile)
	handler.store.StartPersisting(ctx, handler.cacheFile, time.Duration(persistInterval)*time.Second)

	if maxTorrents > 0 {
		handler.store.StartPruning(ctx, time.Hour, maxTorrents)
	}

	record.Init()

	retentionDays, _ := logConfig.GetInt("log_retention_days", 7)
	record.StartRetention(ctx, retentionDays)

	handler.normalRegisterer = prometheus.NewRegistry()
	handler.normalCollector = collectors.NewProxyCollector()
	handler.normalRegisterer.MustRegister(handler.normalCollector)

	listener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		panic(err)
	}

	/*
	 * Behind the scenes, this works by spawning a new goroutine for each client.
	 * This is pretty fast and scalable since goroutines are nice and efficient.
	 */
	slog.Info("ready and accepting new connections", "addr", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if handler.terminate || errors.Is(err, net.ErrClosed) {
				break
			}

			slog.Error("failed to accept connection", "err", err)

			continue
		}

		handler.waitGroup.Add(1)

		go handler.handleConn(conn)
	}

	// Wait for active connections to finish processing
	handler.waitGroup.Wait()

	slog.Info("now closed and not accepting any new connections")

	if err = handler.store.Save(handler.cacheFile); err != nil {
		slog.Error("failed to persist state cache on shutdown", "err", err)
	}

	slog.Info("shutdown complete")
}

func Stop() {
	handler.terminate = true
	handler.cancel()

	// Closing the listener stops accepting connections and causes Accept to return
	_ = listener.Close()
}

// Addr reports the bound listen address, nil before Start has bound it.
func Addr() net.Addr {
	if listener == nil {
		return nil
	}

	return listener.Addr()
}

func (h *httpHandler) handleConn(conn net.Conn) {
	defer h.waitGroup.Done()

	defer func() {
		_ = conn.Close()
	}()

	defer func() {
		if err := recover(); err != nil {
			slog.Error("panic in connection handler", "err", err, "remote", conn.RemoteAddr())
			debug.PrintStack()
		}
	}()

	if h.terminate {
		return
	}

	collectors.IncrementRequests()

	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))

	reader := bufio.NewReaderSize(conn, 8*1024)

	head, err := readHead(reader)
	if err != nil {
		slog.Debug("failed to read request head", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	req, err := announce.ParseHead(head)
	if err != nil {
		slog.Debug("unparseable request", "remote", conn.RemoteAddr(), "err", err)
		writeResponse(conn, fasthttp.StatusBadRequest, nil)

		return
	}

	// The relay owns timeouts from here on
	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case req.IsConnect():
		h.tunnel(conn, reader, req)
	case req.IsProxied():
		h.forward(conn, reader, req)
	default:
		h.local(conn, req)
	}
}

// readHead consumes the request line and headers, through the terminating
// blank line, preserving every byte.
func readHead(reader *bufio.Reader) ([]byte, error) {
	head := make([]byte, 0, 1024)

	for {
		line, err := reader.ReadSlice('\n')
		if err != nil {
			return nil, err
		}

		head = append(head, line...)

		if len(head) > maxHeadBytes {
			return nil, errors.New("request head too large")
		}

		if len(line) == 1 || (len(line) == 2 && line[0] == '\r') {
			return head, nil
		}
	}
}
