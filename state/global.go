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
	"sync"
	"time"
)

// Global carries the process-wide aggregates behind a single mutex. It is
// the one shared point of contention: announces touch it twice (snapshot,
// then delta add), both short critical sections. Two simultaneous requests
// may both pass the ratio gate before either starts the cooldown; that
// window is accepted.
type Global struct {
	mu sync.Mutex

	downloaded uint64 // real bytes across all torrents
	uploaded   uint64 // fake bytes across all torrents

	cooldownUntil time.Time
	cooling       bool
}

type GlobalSnapshot struct {
	Downloaded    uint64
	Uploaded      uint64
	InCooldown    bool
	CooldownUntil time.Time
}

func NewGlobal() *Global {
	return &Global{}
}

// Snapshot returns the aggregates as of now. The second return value is
// true exactly once per cooldown, on the first call at or past its
// deadline.
func (g *Global) Snapshot(now time.Time) (GlobalSnapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	left := false

	if g.cooling && !now.Before(g.cooldownUntil) {
		g.cooling = false
		left = true
	}

	return GlobalSnapshot{
		Downloaded:    g.downloaded,
		Uploaded:      g.uploaded,
		InCooldown:    g.cooling && now.Before(g.cooldownUntil),
		CooldownUntil: g.cooldownUntil,
	}, left
}

// Totals reads the aggregates without cooldown bookkeeping.
func (g *Global) Totals() (downloaded, uploaded uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.downloaded, g.uploaded
}

// InCooldown reports cooldown status without consuming the
// leaving-cooldown transition that Snapshot tracks.
func (g *Global) InCooldown(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.cooling && now.Before(g.cooldownUntil)
}

// Add folds one committed announce into the aggregates.
func (g *Global) Add(deltaDownloaded, deltaUploaded uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.downloaded += deltaDownloaded
	g.uploaded += deltaUploaded
}

// StartCooldown suspends boosting until now+d. Returns false when a
// cooldown was already running, so the transition is only reported once.
func (g *Global) StartCooldown(now time.Time, d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cooling && now.Before(g.cooldownUntil) {
		return false
	}

	g.cooldownUntil = now.Add(d)
	g.cooling = true

	return true
}

// restore is used by the serializer when loading a cache file.
func (g *Global) restore(downloaded, uploaded uint64, cooldownUntil time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.downloaded = downloaded
	g.uploaded = uploaded
	g.cooldownUntil = cooldownUntil
	g.cooling = !cooldownUntil.IsZero() && time.Now().Before(cooldownUntil)
}

// snapshotForSave reads the raw values without cooldown bookkeeping.
func (g *Global) snapshotForSave() (downloaded, uploaded uint64, cooldownUntil time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.cooling {
		return g.downloaded, g.uploaded, time.Time{}
	}

	return g.downloaded, g.uploaded, g.cooldownUntil
}
