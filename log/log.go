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

// Package log owns the process-wide slog handler. Events go to stderr and,
// when log_file is configured, to an append-only file as well.
package log

import (
	"io"
	"log/slog"
	"os"

	"ratioproxy/config"
)

var logFile *os.File

func Init() {
	writer := io.Writer(os.Stderr)

	if path, exists := config.Section("log").Get("log_file", ""); exists && path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			slog.Warn("unable to open log file, logging to stderr only", "path", path, "err", err)
		} else {
			logFile = f
			writer = io.MultiWriter(os.Stderr, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(writer, nil)))
}

func Close() {
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}
