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

// Package state tracks per-torrent announce history and the process-wide
// upload/download aggregates. Entries are created lazily on first announce
// and keyed by the raw info_hash bytes.
package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ratioproxy/util"
)

// Torrent is one tracked torrent. Counter fields only increase, Completed
// never reverts to false and LastReport is non-decreasing. All fields are
// guarded by the entry semaphore; the store map lock only covers entry
// lookup and creation.
type Torrent struct {
	Downloaded uint64 // real downloaded bytes, last value reported by the client
	Uploaded   uint64 // real uploaded bytes, informational
	FirstSeen  time.Time
	Completed  bool

	LastUploaded uint64 // fake uploaded bytes committed by the previous announce
	LastReport   time.Time

	aggregated uint64 // downloaded bytes already folded into the global aggregate

	sema util.Semaphore
}

// Snapshot is an immutable copy of a Torrent taken under its semaphore,
// safe to hand to the multiplier engine.
type Snapshot struct {
	Downloaded   uint64
	Uploaded     uint64
	FirstSeen    time.Time
	Completed    bool
	LastUploaded uint64
	LastReport   time.Time

	New           bool // first announce for this hash
	JustCompleted bool // completion latch set by this very announce
}

type Store struct {
	mu       sync.RWMutex
	torrents map[string]*Torrent
	global   *Global
}

func NewStore(global *Global) *Store {
	return &Store{
		torrents: make(map[string]*Torrent),
		global:   global,
	}
}

func (s *Store) Global() *Global {
	return s.global
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.torrents)
}

func (s *Store) entry(hash string, now time.Time) (*Torrent, bool) {
	s.mu.RLock()
	t, exists := s.torrents[hash]
	s.mu.RUnlock()

	if exists {
		return t, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Lost the race to another announce for the same new hash
	if t, exists = s.torrents[hash]; exists {
		return t, false
	}

	t = &Torrent{
		FirstSeen:  now,
		LastReport: now,
		sema:       util.NewSemaphore(),
	}
	s.torrents[hash] = t

	return t, true
}

// RecordAndGet folds the announce counters into the torrent's state and
// returns a snapshot for the multiplier engine. The entry semaphore stays
// held until Commit or Abort, serializing same-hash announces in arrival
// order; different hashes never contend.
func (s *Store) RecordAndGet(ctx context.Context, hash string, downloaded, uploaded uint64,
	left uint64, hasLeft bool, now time.Time) (Snapshot, error) {
	var (
		t       *Torrent
		created bool
	)

	for {
		t, created = s.entry(hash, now)

		if !util.TryTakeSemaphore(ctx, t.sema) {
			return Snapshot{}, ctx.Err()
		}

		s.mu.RLock()
		current := s.torrents[hash]
		s.mu.RUnlock()

		if current == t {
			break
		}

		// Entry was pruned between lookup and take; start over
		util.ReturnSemaphore(t.sema)
	}

	// A decrease is stale or duplicate client data, ignored
	if downloaded > t.Downloaded {
		t.Downloaded = downloaded
	}

	if uploaded > t.Uploaded {
		t.Uploaded = uploaded
	}

	justCompleted := false
	if hasLeft && left == 0 && !t.Completed {
		t.Completed = true
		justCompleted = true
	}

	return Snapshot{
		Downloaded:    t.Downloaded,
		Uploaded:      t.Uploaded,
		FirstSeen:     t.FirstSeen,
		Completed:     t.Completed,
		LastUploaded:  t.LastUploaded,
		LastReport:    lastReport(t, created),
		New:           created,
		JustCompleted: justCompleted,
	}, nil
}

// lastReport hides the creation timestamp from the speed cap: a torrent
// that has never committed a report has no rate baseline.
func lastReport(t *Torrent, created bool) time.Time {
	if created || t.LastUploaded == 0 && t.aggregated == 0 {
		return time.Time{}
	}

	return t.LastReport
}

// Commit stores the reported fake upload, advances the report clock and
// feeds the deltas since the previous report into the global aggregates.
// The semaphore taken by RecordAndGet is released.
func (s *Store) Commit(hash string, fakeUploaded uint64, now time.Time) {
	s.mu.RLock()
	t := s.torrents[hash]
	s.mu.RUnlock()

	if t == nil {
		panic("Commit for a hash that was never recorded")
	}

	deltaDown := t.Downloaded - t.aggregated
	t.aggregated = t.Downloaded

	var deltaUp uint64
	if fakeUploaded > t.LastUploaded {
		deltaUp = fakeUploaded - t.LastUploaded
	}

	t.LastUploaded = fakeUploaded

	if now.After(t.LastReport) {
		t.LastReport = now
	}

	util.ReturnSemaphore(t.sema)

	s.global.Add(deltaDown, deltaUp)
}

// Abort releases the semaphore without committing, used when the pipeline
// fails open and the tracker never sees a rewritten value.
func (s *Store) Abort(hash string) {
	s.mu.RLock()
	t := s.torrents[hash]
	s.mu.RUnlock()

	if t == nil {
		panic("Abort for a hash that was never recorded")
	}

	util.ReturnSemaphore(t.sema)
}

// Prune evicts the longest-idle entries until at most maxEntries remain.
// Only correctness-idle entries go: the global aggregates already contain
// everything they contributed. Busy entries are skipped.
func (s *Store) Prune(maxEntries int) int {
	if maxEntries <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.torrents) - maxEntries
	if excess <= 0 {
		return 0
	}

	type candidate struct {
		hash string
		last time.Time
	}

	candidates := make([]candidate, 0, len(s.torrents))
	for hash, t := range s.torrents {
		candidates = append(candidates, candidate{hash, t.LastReport})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].last.Before(candidates[j].last)
	})

	evicted := 0

	for _, c := range candidates {
		if evicted >= excess {
			break
		}

		t := s.torrents[c.hash]
		if !util.PollSemaphore(t.sema) {
			continue // announce in flight
		}

		delete(s.torrents, c.hash)
		// Wake anyone who raced for the evicted entry; RecordAndGet
		// detects the eviction and starts over on a fresh entry
		util.ReturnSemaphore(t.sema)
		evicted++
	}

	return evicted
}

// StartPruning keeps the store bounded in the background.
func (s *Store) StartPruning(ctx context.Context, every time.Duration, maxEntries int) {
	go util.ContextTick(ctx, every, func() {
		if n := s.Prune(maxEntries); n > 0 {
			slog.Info("pruned idle torrents from state store", "evicted", n, "remaining", s.Len())
		}
	})
}
