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

// Package updates performs a best-effort release check at startup. Every
// failure is swallowed: the check must never affect proxy operation.
package updates

import (
	"encoding/json"
	"log/slog"
	"time"

	"ratioproxy/config"

	"github.com/valyala/fasthttp"
)

const defaultFeed = "https://api.github.com/repos/ratioproxy/ratioproxy/releases/latest"

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Check fetches the release feed and logs when a newer version is
// published. Intended to run in its own goroutine.
func Check(currentVersion string) {
	updatesConfig := config.Section("updates")

	if enabled, _ := updatesConfig.GetBool("check", true); !enabled {
		return
	}

	feed, _ := updatesConfig.Get("url", defaultFeed)

	client := &fasthttp.Client{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(feed)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	req.Header.SetUserAgent("ratioproxy/" + currentVersion)

	if err := client.Do(req, resp); err != nil || resp.StatusCode() != fasthttp.StatusOK {
		return
	}

	var rel release
	if err := json.Unmarshal(resp.Body(), &rel); err != nil || rel.TagName == "" {
		return
	}

	latest := rel.TagName
	if latest[0] == 'v' {
		latest = latest[1:]
	}

	if latest != currentVersion {
		slog.Info("a different release is published", "running", currentVersion, "latest", latest, "url", rel.HTMLURL)
	}
}
