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
	"bytes"
	"net/url"
	"strings"
	"testing"
)

func TestRewriteMinimalDiff(t *testing.T) {
	infoHash := testInfoHash()
	original := requestHead(announceTarget(infoHash))

	req, err := ParseHead(original)
	if err != nil {
		t.Fatal(err)
	}

	if _, isAnnounce, err := req.Recognize(); !isAnnounce || err != nil {
		t.Fatalf("Announce not recognized: %v", err)
	}

	rewritten := req.Rewrite(31337424242)

	expected := strings.Replace(string(original), "&uploaded=524288&", "&uploaded=31337424242&", 1)
	if !bytes.Equal(rewritten, []byte(expected)) {
		t.Fatalf("Rewrite touched bytes outside the uploaded value:\noriginal:  %q\nrewritten: %q",
			original, rewritten)
	}

	if bytes.Equal(rewritten, original) {
		t.Fatal("Rewrite returned the original head!")
	}
}

func TestRewriteRoundTrip(t *testing.T) {
	req, err := ParseHead(requestHead(announceTarget(testInfoHash())))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := req.Recognize(); err != nil {
		t.Fatal(err)
	}

	rewritten := req.Rewrite(99)

	// The rewritten head must itself parse as an announce carrying the
	// engine's value
	again, err := ParseHead(rewritten)
	if err != nil {
		t.Fatal(err)
	}

	fields, isAnnounce, err := again.Recognize()
	if err != nil || !isAnnounce {
		t.Fatalf("Rewritten head no longer recognized: %v", err)
	}

	if fields.Uploaded != 99 {
		t.Fatalf("Round-trip extracted uploaded=%d, expected 99", fields.Uploaded)
	}
}

func TestRewriteUploadedAtQueryEnd(t *testing.T) {
	target := "http://tracker.example.org/announce?info_hash=" + url.QueryEscape(testInfoHash()) +
		"&downloaded=1000&uploaded=1"

	req, err := ParseHead(requestHead(target))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := req.Recognize(); err != nil {
		t.Fatal(err)
	}

	rewritten := req.Rewrite(123456)
	if !bytes.Contains(rewritten, []byte("&uploaded=123456 HTTP/1.1\r\n")) {
		t.Fatalf("Value at the end of the query was not rewritten in place:\n%q", rewritten)
	}
}

func TestRewriteBeforeRecognizePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("Expected panic from Rewrite without Recognize!")
		}
	}()

	req, err := ParseHead(requestHead(announceTarget(testInfoHash())))
	if err != nil {
		t.Fatal(err)
	}

	_ = req.Rewrite(1)
}
