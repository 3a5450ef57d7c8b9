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

package announce

import (
	"strconv"
)

// Rewrite produces a new request head that is byte-identical to the
// original except for the digits of the uploaded value. Recognize must have
// succeeded on this request first.
func (r *Request) Rewrite(uploaded uint64) []byte {
	if r.uploadedLen == 0 {
		panic("Rewrite called before a successful Recognize")
	}

	digits := strconv.FormatUint(uploaded, 10)

	head := make([]byte, 0, len(r.head)-r.uploadedLen+len(digits))
	head = append(head, r.head[:r.uploadedOff]...)
	head = append(head, digits...)
	head = append(head, r.head[r.uploadedOff+r.uploadedLen:]...)

	return head
}
