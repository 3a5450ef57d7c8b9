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

package state

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"ratioproxy/util"
)

// CacheVersion guards the on-disk layout of the state cache file.
const CacheVersion uint64 = 1

var errUnsupportedVersion = errors.New("unsupported cache version")

type readerAndByteReader interface {
	io.Reader
	io.ByteReader
}

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte

	_, err := w.Write(buf[:binary.PutUvarint(buf[:], v)])

	return err
}

func unixOrZero(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.Unix())
}

func timeOrZero(unix uint64) time.Time {
	if unix == 0 {
		return time.Time{}
	}

	return time.Unix(int64(unix), 0)
}

// WriteTo serializes the aggregates and every torrent entry. Each entry's
// semaphore is taken for the copy, so a concurrent announce delays the
// writer instead of tearing the record.
func (s *Store) WriteTo(w io.Writer) error {
	writer := bufio.NewWriterSize(w, 64*1024)

	if err := writeUvarint(writer, CacheVersion); err != nil {
		return err
	}

	downloaded, uploaded, cooldownUntil := s.global.snapshotForSave()

	for _, v := range []uint64{downloaded, uploaded, unixOrZero(cooldownUntil)} {
		if err := writeUvarint(writer, v); err != nil {
			return err
		}
	}

	s.mu.RLock()
	hashes := make([]string, 0, len(s.torrents))

	for hash := range s.torrents {
		hashes = append(hashes, hash)
	}
	s.mu.RUnlock()

	if err := writeUvarint(writer, uint64(len(hashes))); err != nil {
		return err
	}

	for _, hash := range hashes {
		s.mu.RLock()
		t := s.torrents[hash]
		s.mu.RUnlock()

		if t == nil {
			// Pruned since the listing; the count is already written, so
			// emit an empty record for the hash
			t = &Torrent{sema: util.NewSemaphore()}
		}

		util.TakeSemaphore(t.sema)
		record := []uint64{
			t.Downloaded, t.Uploaded, t.LastUploaded, t.aggregated,
			unixOrZero(t.FirstSeen), unixOrZero(t.LastReport),
		}
		completed := t.Completed
		util.ReturnSemaphore(t.sema)

		if err := writeUvarint(writer, uint64(len(hash))); err != nil {
			return err
		}

		if _, err := writer.WriteString(hash); err != nil {
			return err
		}

		for _, v := range record {
			if err := writeUvarint(writer, v); err != nil {
				return err
			}
		}

		if err := writer.WriteByte(boolByte(completed)); err != nil {
			return err
		}
	}

	return writer.Flush()
}

// ReadFrom replaces the store contents with a serialized cache.
func (s *Store) ReadFrom(r io.Reader) error {
	reader := bufio.NewReader(r)

	version, err := binary.ReadUvarint(reader)
	if err != nil {
		return err
	}

	if version == 0 || version > CacheVersion {
		return fmt.Errorf("%w: %d", errUnsupportedVersion, version)
	}

	var header [3]uint64

	for i := range header {
		if header[i], err = binary.ReadUvarint(reader); err != nil {
			return err
		}
	}

	n, err := binary.ReadUvarint(reader)
	if err != nil {
		return err
	}

	torrents := make(map[string]*Torrent, n)

	for i := uint64(0); i < n; i++ {
		hashLen, err := binary.ReadUvarint(reader)
		if err != nil {
			return err
		}

		hash := make([]byte, hashLen)
		if _, err = io.ReadFull(reader, hash); err != nil {
			return err
		}

		var record [6]uint64

		for j := range record {
			if record[j], err = binary.ReadUvarint(reader); err != nil {
				return err
			}
		}

		completed, err := reader.ReadByte()
		if err != nil {
			return err
		}

		torrents[string(hash)] = &Torrent{
			Downloaded:   record[0],
			Uploaded:     record[1],
			LastUploaded: record[2],
			aggregated:   record[3],
			FirstSeen:    timeOrZero(record[4]),
			LastReport:   timeOrZero(record[5]),
			Completed:    completed != 0,
			sema:         util.NewSemaphore(),
		}
	}

	s.mu.Lock()
	s.torrents = torrents
	s.mu.Unlock()

	s.global.restore(header[0], header[1], timeOrZero(header[2]))

	return nil
}

// Save writes the cache atomically: temp file first, rename over the old
// cache on success.
func (s *Store) Save(path string) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if err = s.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}

	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	if err = f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// Load restores the cache if one exists. A missing file is a clean first
// start; anything else is reported but never fatal.
func (s *Store) Load(path string) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("unable to open state cache, starting empty", "path", path, "err", err)
		}

		return
	}

	defer func() {
		_ = f.Close()
	}()

	if err = s.ReadFrom(f); err != nil {
		slog.Warn("unable to load state cache, starting empty", "path", path, "err", err)
		return
	}

	slog.Info("restored state cache", "path", path, "torrents", s.Len())
}

// StartPersisting saves the cache on an interval until ctx ends.
func (s *Store) StartPersisting(ctx context.Context, path string, every time.Duration) {
	go util.ContextTick(ctx, every, func() {
		if err := s.Save(path); err != nil {
			slog.Error("failed to persist state cache", "path", path, "err", err)
		}
	})
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}
