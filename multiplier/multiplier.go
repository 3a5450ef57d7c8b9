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

// Package multiplier computes the effective upload multiplier for one
// announce. Compute is a pure function: the clock and the jitter source are
// injected, so identical inputs always yield identical outputs.
package multiplier

import (
	"time"
)

// megabit is decimal, matching how client UIs advertise rates.
const megabit = 1000 * 1000

type Config struct {
	MaxUpload     float64       // ramp target
	Seeding       float64       // flat multiplier once a torrent completed
	RampUp        time.Duration // time to climb from 1.0 to MaxUpload
	Randomization float64       // per-request jitter amplitude, 0 disables
	MaxSpeedMbps  float64       // simulated upload rate cap, 0 disables
	RatioLimit    float64       // aggregate fake/real ratio limit, 0 disables
}

// Torrent is the per-torrent state snapshot the engine works from.
type Torrent struct {
	Downloaded   uint64 // real downloaded bytes, monotone
	Completed    bool
	FirstSeen    time.Time
	LastUploaded uint64    // fake uploaded bytes committed by the previous announce
	LastReport   time.Time // zero until the first commit
}

// Aggregate is the global state snapshot at the time of the announce.
type Aggregate struct {
	Downloaded uint64
	Uploaded   uint64
	InCooldown bool
}

type Result struct {
	Multiplier    float64
	Uploaded      uint64 // fake uploaded bytes to report
	EnterCooldown bool
	Seeding       bool
	Capped        bool
}

// Compute applies, in order: the cooldown gate, the aggregate ratio gate,
// the progressive ramp (or the seeding override), per-request jitter and
// the simulated speed cap. jitter must return a value in [0, 1).
func Compute(t Torrent, a Aggregate, c Config, now time.Time, jitter func() float64) Result {
	if a.InCooldown {
		return Result{Multiplier: 1, Uploaded: t.Downloaded}
	}

	if c.RatioLimit > 0 && ratio(a) >= c.RatioLimit {
		return Result{Multiplier: 1, Uploaded: t.Downloaded, EnterCooldown: true}
	}

	res := Result{Seeding: t.Completed}

	if t.Completed {
		res.Multiplier = c.Seeding
	} else {
		res.Multiplier = ramp(now.Sub(t.FirstSeen), c)
	}

	if c.Randomization > 0 {
		res.Multiplier *= 1 - c.Randomization + 2*c.Randomization*jitter()
	}

	res.Uploaded = uint64(float64(t.Downloaded) * res.Multiplier)

	applyCap(&res, t, c, now)

	return res
}

// ramp climbs linearly from 1.0 at firstSeen to MaxUpload after RampUp,
// then holds flat.
func ramp(elapsed time.Duration, c Config) float64 {
	if c.RampUp <= 0 || elapsed >= c.RampUp {
		return c.MaxUpload
	}

	if elapsed < 0 {
		return 1
	}

	return 1 + (c.MaxUpload-1)*(elapsed.Seconds()/c.RampUp.Seconds())
}

// applyCap clamps the implied upload rate since the previous report to
// MaxSpeedMbps and back-derives the multiplier from the clamped value. The
// cap never pushes the report below a straight 1:1 of the download.
func applyCap(res *Result, t Torrent, c Config, now time.Time) {
	if c.MaxSpeedMbps <= 0 || t.LastReport.IsZero() || res.Uploaded <= t.LastUploaded {
		return
	}

	elapsed := now.Sub(t.LastReport).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	allowed := uint64(c.MaxSpeedMbps * megabit / 8 * elapsed)
	if res.Uploaded-t.LastUploaded <= allowed {
		return
	}

	res.Uploaded = t.LastUploaded + allowed
	res.Capped = true

	if t.Downloaded > 0 {
		res.Multiplier = float64(res.Uploaded) / float64(t.Downloaded)
	}

	if res.Multiplier < 1 {
		res.Multiplier = 1
		res.Uploaded = t.Downloaded
	}
}

func ratio(a Aggregate) float64 {
	if a.Downloaded == 0 {
		return 0
	}

	return float64(a.Uploaded) / float64(a.Downloaded)
}
