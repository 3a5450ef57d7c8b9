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
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"ratioproxy/announce"
	"ratioproxy/collectors"
	"ratioproxy/multiplier"
	"ratioproxy/record"
	"ratioproxy/util"
)

// boosted is an announce whose rewritten value is computed but not yet
// committed. The per-hash lock stays held until commit or abort, so the
// state the multiplier saw cannot change underneath it.
type boosted struct {
	hash       string
	downloaded uint64
	result     multiplier.Result
	cooldown   bool
	now        time.Time
}

// boost runs the state and multiplier stages for a recognized announce and
// returns the head to forward upstream. A nil boosted means the original
// head goes out unchanged.
func (h *httpHandler) boost(req *announce.Request, fields announce.Fields) ([]byte, *boosted) {
	now := time.Now()

	snap, err := h.store.RecordAndGet(context.Background(), fields.InfoHash,
		fields.Downloaded, fields.Uploaded, fields.Left, fields.HasLeft, now)
	if err != nil {
		return req.Head(), nil
	}

	hash := hex.EncodeToString([]byte(fields.InfoHash))

	if snap.JustCompleted {
		slog.Info("torrent completed, seeding multiplier takes over", "hash", hash)
	}

	global := h.store.Global()

	agg, leftCooldown := global.Snapshot(now)
	if leftCooldown {
		collectors.SetCooldown(false)
		slog.Info("cooldown over, boosting resumes")
	}

	result := multiplier.Compute(
		multiplier.Torrent{
			Downloaded:   snap.Downloaded,
			Completed:    snap.Completed,
			FirstSeen:    snap.FirstSeen,
			LastUploaded: snap.LastUploaded,
			LastReport:   snap.LastReport,
		},
		multiplier.Aggregate{
			Downloaded: agg.Downloaded,
			Uploaded:   agg.Uploaded,
			InCooldown: agg.InCooldown,
		},
		h.engineConfig, now, util.UnsafeFloat64)

	if result.EnterCooldown && global.StartCooldown(now, h.cooldownDuration) {
		collectors.SetCooldown(true)
		slog.Warn("global ratio limit reached, entering cooldown",
			"until", now.Add(h.cooldownDuration).Format(time.RFC3339))
	}

	return req.Rewrite(result.Uploaded), &boosted{
		hash:       fields.InfoHash,
		downloaded: snap.Downloaded,
		result:     result,
		cooldown:   agg.InCooldown || result.EnterCooldown,
		now:        now,
	}
}

// commit lands the boosted announce in the state store once the upstream
// connection is established, then journals and logs it.
func (h *httpHandler) commit(b *boosted) {
	h.store.Commit(b.hash, b.result.Uploaded, b.now)

	collectors.IncrementRewritten()

	hash := hex.EncodeToString([]byte(b.hash))

	slog.Info("announce",
		"hash", hash,
		"downloaded", b.downloaded,
		"uploaded", b.result.Uploaded,
		"multiplier", b.result.Multiplier,
		"seeding", b.result.Seeding,
		"cooldown", b.cooldown,
		"capped", b.result.Capped)

	record.Record(b.hash, b.downloaded, b.result.Uploaded, b.result.Multiplier, b.result.Seeding, b.cooldown)
}

// abort releases the announce without committing; the tracker never saw
// the rewritten value.
func (h *httpHandler) abort(b *boosted) {
	h.store.Abort(b.hash)
}
