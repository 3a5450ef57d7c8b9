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
	"errors"
	"net/url"
	"testing"

	"ratioproxy/util"

	"github.com/google/go-cmp/cmp"
)

func testInfoHash() string {
	hash := make([]byte, 20)
	_, _ = util.UnsafeReadRand(hash)

	return string(hash)
}

func requestHead(target string) []byte {
	return []byte("GET " + target + " HTTP/1.1\r\n" +
		"Host: tracker.example.org\r\n" +
		"User-Agent: qBittorrent/4.6.2\r\n" +
		"Accept-Encoding: gzip\r\n" +
		"Connection: close\r\n\r\n")
}

func announceTarget(infoHash string) string {
	return "http://tracker.example.org:2710/announce?info_hash=" + url.QueryEscape(infoHash) +
		"&peer_id=-qB4620-abcdefghijkl&port=51413&uploaded=524288&downloaded=1048576&left=2097152&compact=1"
}

func TestParseHead(t *testing.T) {
	head := requestHead("http://tracker.example.org/announce?uploaded=1")

	req, err := ParseHead(head)
	if err != nil {
		t.Fatal(err)
	}

	if req.Method != "GET" || req.Proto != "HTTP/1.1" {
		t.Fatalf("Parsed request line incorrectly: %+v", req)
	}

	if !req.IsProxied() || req.IsConnect() {
		t.Fatalf("Misclassified request: %+v", req)
	}
}

func TestParseHeadRejectsGarbage(t *testing.T) {
	for _, head := range []string{
		"\r\n\r\n",
		"GARBAGE\r\n\r\n",
		"GET /\r\n\r\n",
		"GET / FTP/1.0\r\n\r\n",
	} {
		if _, err := ParseHead([]byte(head)); err == nil {
			t.Fatalf("ParseHead accepted %q", head)
		}
	}
}

func TestRecognizeAnnounce(t *testing.T) {
	infoHash := testInfoHash()

	req, err := ParseHead(requestHead(announceTarget(infoHash)))
	if err != nil {
		t.Fatal(err)
	}

	fields, isAnnounce, err := req.Recognize()
	if err != nil {
		t.Fatal(err)
	}

	if !isAnnounce {
		t.Fatal("Announce was not recognized!")
	}

	expected := Fields{
		InfoHash:   infoHash,
		Downloaded: 1048576,
		Uploaded:   524288,
		Left:       2097152,
		HasLeft:    true,
	}

	if diff := cmp.Diff(expected, fields); diff != "" {
		t.Fatalf("Extracted fields mismatch (-want +got):\n%s", diff)
	}
}

func TestRecognizeNonAnnounce(t *testing.T) {
	for _, target := range []string{
		"http://example.org/",
		"http://example.org/search?q=uploaded",
		"http://tracker.example.org/scrape?info_hash=aaaaaaaaaaaaaaaaaaaa",
		"http://example.org/feed?downloaded=5&left=0",
	} {
		req, err := ParseHead(requestHead(target))
		if err != nil {
			t.Fatal(err)
		}

		if _, isAnnounce, _ := req.Recognize(); isAnnounce {
			t.Fatalf("Recognized %q as an announce", target)
		}
	}
}

func TestRecognizeIgnoresNonGet(t *testing.T) {
	head := []byte("POST " + announceTarget(testInfoHash()) + " HTTP/1.1\r\n\r\n")

	req, err := ParseHead(head)
	if err != nil {
		t.Fatal(err)
	}

	if _, isAnnounce, _ := req.Recognize(); isAnnounce {
		t.Fatal("Recognized a POST as an announce!")
	}
}

func TestRecognizeMissingLeft(t *testing.T) {
	target := "http://tracker.example.org/announce?info_hash=" + url.QueryEscape(testInfoHash()) +
		"&uploaded=1&downloaded=2"

	req, err := ParseHead(requestHead(target))
	if err != nil {
		t.Fatal(err)
	}

	fields, isAnnounce, err := req.Recognize()
	if err != nil || !isAnnounce {
		t.Fatalf("Announce without left not recognized cleanly: %v", err)
	}

	if fields.HasLeft {
		t.Fatal("HasLeft set despite a missing left parameter!")
	}
}

func TestRecognizeDuplicateUploaded(t *testing.T) {
	target := "http://tracker.example.org/announce?info_hash=" + url.QueryEscape(testInfoHash()) +
		"&uploaded=1&downloaded=2&uploaded=3"

	req, err := ParseHead(requestHead(target))
	if err != nil {
		t.Fatal(err)
	}

	_, isAnnounce, err := req.Recognize()
	if !isAnnounce {
		t.Fatal("Duplicate uploaded announce not classified as an announce!")
	}

	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestRecognizeNonNumericUploaded(t *testing.T) {
	target := "http://tracker.example.org/announce?info_hash=" + url.QueryEscape(testInfoHash()) +
		"&uploaded=12a4&downloaded=2"

	req, err := ParseHead(requestHead(target))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := req.Recognize(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestRecognizeMissingDownloaded(t *testing.T) {
	target := "http://tracker.example.org/announce?info_hash=" + url.QueryEscape(testInfoHash()) +
		"&uploaded=100"

	req, err := ParseHead(requestHead(target))
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := req.Recognize(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestHostPort(t *testing.T) {
	cases := []struct {
		head     string
		expected string
	}{
		{"GET http://tracker.example.org/announce?a=b HTTP/1.1\r\n\r\n", "tracker.example.org:80"},
		{"GET http://tracker.example.org:2710/announce HTTP/1.1\r\n\r\n", "tracker.example.org:2710"},
		{"GET https://tracker.example.org/announce HTTP/1.1\r\n\r\n", "tracker.example.org:443"},
		{"CONNECT tracker.example.org:443 HTTP/1.1\r\n\r\n", "tracker.example.org:443"},
	}

	for _, tc := range cases {
		req, err := ParseHead([]byte(tc.head))
		if err != nil {
			t.Fatal(err)
		}

		hostPort, err := req.HostPort()
		if err != nil {
			t.Fatal(err)
		}

		if hostPort != tc.expected {
			t.Fatalf("Got %q, expected %q for %q", hostPort, tc.expected, tc.head)
		}
	}
}
