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

// Package record journals every rewritten announce to hourly JSON-line
// files so reported values can be audited later. Files older than the
// configured retention are swept out once a day.
package record

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ratioproxy/config"
	"ratioproxy/util"
)

const eventsDir = "events"

var (
	enabledByDefault = false // overridden in tests
	initialized      = false
	channel          chan []byte
)

func getFile(t time.Time) (*os.File, error) {
	return os.OpenFile(
		filepath.Join(eventsDir, "events_"+t.Format("2006-01-02T15")+".json"),
		os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
}

func Init() {
	if enabled, _ := config.GetBool("record", enabledByDefault); !enabled {
		return
	}

	if err := os.Mkdir(eventsDir, 0755); err != nil && !os.IsExist(err) {
		panic(err)
	}

	start := time.Now()
	channel = make(chan []byte)

	file, err := getFile(start)
	if err != nil {
		panic(err)
	}

	go func() {
		for buf := range channel {
			now := time.Now()
			if now.Hour() != start.Hour() {
				start = now

				if err = file.Close(); err != nil {
					panic(err)
				}

				file, err = getFile(start)
				if err != nil {
					panic(err)
				}
			}

			if _, err = file.Write(buf); err != nil {
				panic(err)
			}
		}
	}()

	initialized = true
}

// Record journals one rewritten announce as a JSON array line.
func Record(infoHash string, downloaded, uploaded uint64, multiplier float64, seeding, cooldown bool) {
	if enabled, _ := config.GetBool("record", enabledByDefault); !enabled {
		return
	}

	if !initialized {
		panic("can not Record without prior initialization")
	}

	b := make([]byte, 0, 96)
	buf := bytes.NewBuffer(b)

	buf.WriteString("[\"")
	buf.WriteString(hex.EncodeToString([]byte(infoHash)))
	buf.WriteString("\",")
	buf.WriteString(strconv.FormatUint(downloaded, 10))
	buf.WriteString(",")
	buf.WriteString(strconv.FormatUint(uploaded, 10))
	buf.WriteString(",")
	buf.WriteString(strconv.FormatFloat(multiplier, 'f', 3, 64))
	buf.WriteString(",")
	buf.WriteString(util.Btoa(seeding))
	buf.WriteString(",")
	buf.WriteString(util.Btoa(cooldown))
	buf.WriteString("]\n")

	channel <- buf.Bytes()
}

// Sweep removes journal files older than the retention horizon.
func Sweep(retention time.Duration, now time.Time) int {
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		return 0
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "events_") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > retention {
			if err = os.Remove(filepath.Join(eventsDir, entry.Name())); err != nil {
				slog.Warn("failed to remove expired journal file", "file", entry.Name(), "err", err)
				continue
			}

			removed++
		}
	}

	return removed
}

// StartRetention sweeps expired journal files once a day.
func StartRetention(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 || !initialized {
		return
	}

	retention := time.Duration(retentionDays) * 24 * time.Hour

	go util.ContextTick(ctx, 24*time.Hour, func() {
		if n := Sweep(retention, time.Now()); n > 0 {
			slog.Info("swept expired journal files", "removed", n)
		}
	})
}
