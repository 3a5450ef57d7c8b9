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

package collectors

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type ProxyCollector struct {
	uptimeMetric         *prometheus.Desc
	requestsMetric       *prometheus.Desc
	announcesMetric      *prometheus.Desc
	rewrittenMetric      *prometheus.Desc
	malformedMetric      *prometheus.Desc
	passthroughMetric    *prometheus.Desc
	upstreamErrorsMetric *prometheus.Desc
	torrentsMetric       *prometheus.Desc
	downloadedMetric     *prometheus.Desc
	uploadedMetric       *prometheus.Desc
	cooldownMetric       *prometheus.Desc
}

var ( // Data
	uptime         float64
	torrents       int
	requests       atomic.Uint64
	announces      atomic.Uint64
	rewritten      atomic.Uint64
	malformed      atomic.Uint64
	passthrough    atomic.Uint64
	upstreamErrors atomic.Uint64
	downloaded     atomic.Uint64
	uploaded       atomic.Uint64
	cooldown       atomic.Bool
)

func NewProxyCollector() *ProxyCollector {
	return &ProxyCollector{
		uptimeMetric: prometheus.NewDesc(
			"ratioproxy_uptime", "System uptime in seconds", nil, nil),
		requestsMetric: prometheus.NewDesc(
			"ratioproxy_requests", "Number of requests handled", nil, nil),
		announcesMetric: prometheus.NewDesc(
			"ratioproxy_announces", "Number of announces recognized", nil, nil),
		rewrittenMetric: prometheus.NewDesc(
			"ratioproxy_rewritten", "Number of announces rewritten", nil, nil),
		malformedMetric: prometheus.NewDesc(
			"ratioproxy_malformed", "Number of announces forwarded unmodified as malformed", nil, nil),
		passthroughMetric: prometheus.NewDesc(
			"ratioproxy_passthrough", "Number of non-announce requests passed through", nil, nil),
		upstreamErrorsMetric: prometheus.NewDesc(
			"ratioproxy_upstream_errors", "Number of upstream connect or relay failures", nil, nil),
		torrentsMetric: prometheus.NewDesc(
			"ratioproxy_torrents", "Number of torrents currently tracked", nil, nil),
		downloadedMetric: prometheus.NewDesc(
			"ratioproxy_real_downloaded_bytes", "Aggregate real downloaded bytes", nil, nil),
		uploadedMetric: prometheus.NewDesc(
			"ratioproxy_fake_uploaded_bytes", "Aggregate reported uploaded bytes", nil, nil),
		cooldownMetric: prometheus.NewDesc(
			"ratioproxy_cooldown", "Whether the ratio cooldown is active", nil, nil),
	}
}

func (collector *ProxyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.uptimeMetric
	ch <- collector.requestsMetric
	ch <- collector.announcesMetric
	ch <- collector.rewrittenMetric
	ch <- collector.malformedMetric
	ch <- collector.passthroughMetric
	ch <- collector.upstreamErrorsMetric
	ch <- collector.torrentsMetric
	ch <- collector.downloadedMetric
	ch <- collector.uploadedMetric
	ch <- collector.cooldownMetric
}

func (collector *ProxyCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(collector.uptimeMetric, prometheus.CounterValue, uptime)
	ch <- prometheus.MustNewConstMetric(collector.requestsMetric, prometheus.CounterValue, float64(requests.Load()))
	ch <- prometheus.MustNewConstMetric(collector.announcesMetric, prometheus.CounterValue, float64(announces.Load()))
	ch <- prometheus.MustNewConstMetric(collector.rewrittenMetric, prometheus.CounterValue, float64(rewritten.Load()))
	ch <- prometheus.MustNewConstMetric(collector.malformedMetric, prometheus.CounterValue, float64(malformed.Load()))
	ch <- prometheus.MustNewConstMetric(collector.passthroughMetric, prometheus.CounterValue, float64(passthrough.Load()))
	ch <- prometheus.MustNewConstMetric(collector.upstreamErrorsMetric, prometheus.CounterValue, float64(upstreamErrors.Load()))
	ch <- prometheus.MustNewConstMetric(collector.torrentsMetric, prometheus.GaugeValue, float64(torrents))
	ch <- prometheus.MustNewConstMetric(collector.downloadedMetric, prometheus.CounterValue, float64(downloaded.Load()))
	ch <- prometheus.MustNewConstMetric(collector.uploadedMetric, prometheus.CounterValue, float64(uploaded.Load()))
	ch <- prometheus.MustNewConstMetric(collector.cooldownMetric, prometheus.GaugeValue, boolToFloat(cooldown.Load()))
}

func UpdateUptime(tempUptime float64) {
	uptime = tempUptime
}

func UpdateTorrents(tempTorrents int) {
	torrents = tempTorrents
}

func IncrementRequests() {
	requests.Add(1)
}

func IncrementAnnounces() {
	announces.Add(1)
}

func IncrementRewritten() {
	rewritten.Add(1)
}

func IncrementMalformed() {
	malformed.Add(1)
}

func IncrementPassthrough() {
	passthrough.Add(1)
}

func IncrementUpstreamErrors() {
	upstreamErrors.Add(1)
}

func UpdateTransfer(totalDownloaded, totalUploaded uint64) {
	downloaded.Store(totalDownloaded)
	uploaded.Store(totalUploaded)
}

func SetCooldown(active bool) {
	cooldown.Store(active)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
