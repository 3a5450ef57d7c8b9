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

// Not cryptographically secure; the jitter applied to announce multipliers
// only has to look plausible, not be unpredictable.
package util

import (
	unsafeRandom "math/rand"
	"sync"
	"time"
)

var (
	randomMutex  sync.Mutex
	randomSource = unsafeRandom.New(unsafeRandom.NewSource(time.Now().UnixNano()))
)

func UnsafeIntn(n int) int {
	randomMutex.Lock()
	defer randomMutex.Unlock()

	return randomSource.Intn(n)
}

func UnsafeUint64() uint64 {
	randomMutex.Lock()
	defer randomMutex.Unlock()

	return randomSource.Uint64()
}

// UnsafeFloat64 returns a value in [0, 1).
func UnsafeFloat64() float64 {
	randomMutex.Lock()
	defer randomMutex.Unlock()

	return randomSource.Float64()
}

func UnsafeReadRand(p []byte) (n int, err error) {
	randomMutex.Lock()
	defer randomMutex.Unlock()

	return randomSource.Read(p)
}
