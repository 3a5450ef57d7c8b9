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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestRecordAndGetMonotone(t *testing.T) {
	s := NewStore(NewGlobal())
	ctx := context.Background()

	snap, err := s.RecordAndGet(ctx, "hash-a", 1000, 10, 500, true, testEpoch)
	if err != nil {
		t.Fatal(err)
	}

	if !snap.New || snap.Downloaded != 1000 {
		t.Fatalf("First announce snapshot wrong: %+v", snap)
	}

	s.Commit("hash-a", 2000, testEpoch)

	// A decrease is stale data and must be ignored
	snap, err = s.RecordAndGet(ctx, "hash-a", 400, 5, 500, true, testEpoch.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if snap.New || snap.Downloaded != 1000 {
		t.Fatalf("Counter went backwards or entry recreated: %+v", snap)
	}

	if snap.LastUploaded != 2000 {
		t.Fatalf("Got LastUploaded %d, expected the committed 2000", snap.LastUploaded)
	}

	s.Abort("hash-a")
}

func TestCompletionLatch(t *testing.T) {
	s := NewStore(NewGlobal())
	ctx := context.Background()

	snap, err := s.RecordAndGet(ctx, "hash-b", 100, 0, 0, true, testEpoch)
	if err != nil {
		t.Fatal(err)
	}

	if !snap.Completed || !snap.JustCompleted {
		t.Fatalf("Completion latch not set on left=0: %+v", snap)
	}

	s.Commit("hash-b", 100, testEpoch)

	// A later announce with left > 0 must not clear the latch
	snap, err = s.RecordAndGet(ctx, "hash-b", 100, 0, 9999, true, testEpoch.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if !snap.Completed {
		t.Fatal("Completion latch reverted!")
	}

	if snap.JustCompleted {
		t.Fatal("JustCompleted reported twice!")
	}

	s.Abort("hash-b")
}

func TestUnknownLeftNeverCompletes(t *testing.T) {
	s := NewStore(NewGlobal())

	snap, err := s.RecordAndGet(context.Background(), "hash-c", 100, 0, 0, false, testEpoch)
	if err != nil {
		t.Fatal(err)
	}

	if snap.Completed {
		t.Fatal("Missing left treated as completion!")
	}

	s.Abort("hash-c")
}

func TestCommitAggregates(t *testing.T) {
	global := NewGlobal()
	s := NewStore(global)
	ctx := context.Background()

	if _, err := s.RecordAndGet(ctx, "hash-d", 1000, 0, 1, true, testEpoch); err != nil {
		t.Fatal(err)
	}

	s.Commit("hash-d", 3000, testEpoch)

	down, up := global.Totals()
	if down != 1000 || up != 3000 {
		t.Fatalf("Got aggregates %d/%d, expected 1000/3000", down, up)
	}

	// Only deltas since the previous report are added
	if _, err := s.RecordAndGet(ctx, "hash-d", 1500, 0, 1, true, testEpoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	s.Commit("hash-d", 4500, testEpoch.Add(time.Minute))

	down, up = global.Totals()
	if down != 1500 || up != 4500 {
		t.Fatalf("Got aggregates %d/%d, expected 1500/4500", down, up)
	}

	// A second torrent adds on top
	if _, err := s.RecordAndGet(ctx, "hash-e", 500, 0, 1, true, testEpoch); err != nil {
		t.Fatal(err)
	}

	s.Commit("hash-e", 500, testEpoch)

	down, up = global.Totals()
	if down != 2000 || up != 5000 {
		t.Fatalf("Got aggregates %d/%d, expected 2000/5000", down, up)
	}
}

func TestAbortCommitsNothing(t *testing.T) {
	global := NewGlobal()
	s := NewStore(global)

	if _, err := s.RecordAndGet(context.Background(), "hash-f", 1000, 0, 1, true, testEpoch); err != nil {
		t.Fatal(err)
	}

	s.Abort("hash-f")

	if down, up := global.Totals(); down != 0 || up != 0 {
		t.Fatalf("Abort leaked %d/%d into the aggregates", down, up)
	}
}

func TestSameHashSerialized(t *testing.T) {
	s := NewStore(NewGlobal())

	var (
		inside    atomic.Int32
		waitGroup sync.WaitGroup
	)

	for i := 0; i < 16; i++ {
		waitGroup.Add(1)

		go func(n int) {
			defer waitGroup.Done()

			_, err := s.RecordAndGet(context.Background(), "hash-g", uint64(n), 0, 1, true, testEpoch)
			if err != nil {
				t.Error(err)
				return
			}

			if inside.Add(1) != 1 {
				t.Error("Two pipelines inside the same hash at once!")
			}

			time.Sleep(time.Millisecond)
			inside.Add(-1)

			s.Commit("hash-g", uint64(n), testEpoch)
		}(i)
	}

	waitGroup.Wait()
}

func TestDifferentHashesDoNotBlock(t *testing.T) {
	s := NewStore(NewGlobal())

	// Hold hash-h without committing
	if _, err := s.RecordAndGet(context.Background(), "hash-h", 1, 0, 1, true, testEpoch); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := s.RecordAndGet(ctx, "hash-i", 1, 0, 1, true, testEpoch); err != nil {
		t.Fatalf("Independent hash blocked: %v", err)
	}

	s.Abort("hash-i")
	s.Abort("hash-h")
}

func TestRecordAndGetHonorsContext(t *testing.T) {
	s := NewStore(NewGlobal())

	if _, err := s.RecordAndGet(context.Background(), "hash-j", 1, 0, 1, true, testEpoch); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.RecordAndGet(ctx, "hash-j", 2, 0, 1, true, testEpoch); err == nil {
		t.Fatal("Expected a context error while the hash is held!")
	}

	s.Abort("hash-j")
}

func TestPrune(t *testing.T) {
	s := NewStore(NewGlobal())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		hash := fmt.Sprintf("hash-%02d", i)

		if _, err := s.RecordAndGet(ctx, hash, 100, 0, 1, true, testEpoch.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}

		s.Commit(hash, 100, testEpoch.Add(time.Duration(i)*time.Minute))
	}

	if evicted := s.Prune(10); evicted != 0 {
		t.Fatalf("Prune evicted %d entries under the bound", evicted)
	}

	if evicted := s.Prune(4); evicted != 6 {
		t.Fatalf("Prune evicted %d entries, expected 6", evicted)
	}

	if s.Len() != 4 {
		t.Fatalf("Store has %d entries after prune, expected 4", s.Len())
	}

	// The survivors are the most recently reported
	for i := 6; i < 10; i++ {
		hash := fmt.Sprintf("hash-%02d", i)

		snap, err := s.RecordAndGet(ctx, hash, 100, 0, 1, true, testEpoch.Add(time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		if snap.New {
			t.Fatalf("Recent entry %s was evicted", hash)
		}

		s.Abort(hash)
	}
}

func TestGlobalCooldown(t *testing.T) {
	g := NewGlobal()

	if !g.StartCooldown(testEpoch, 30*time.Minute) {
		t.Fatal("First StartCooldown reported an already-running cooldown!")
	}

	if g.StartCooldown(testEpoch.Add(time.Minute), 30*time.Minute) {
		t.Fatal("Second StartCooldown not deduplicated!")
	}

	snap, left := g.Snapshot(testEpoch.Add(29 * time.Minute))
	if !snap.InCooldown || left {
		t.Fatalf("Cooldown not active before the deadline: %+v", snap)
	}

	snap, left = g.Snapshot(testEpoch.Add(31 * time.Minute))
	if snap.InCooldown || !left {
		t.Fatalf("Leaving-cooldown transition not reported: %+v", snap)
	}

	// Reported exactly once
	if _, left = g.Snapshot(testEpoch.Add(32 * time.Minute)); left {
		t.Fatal("Leaving-cooldown transition reported twice!")
	}
}
