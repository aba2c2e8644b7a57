// Package fingerprint derives the RecordingKey used to group recordings of
// the same endpoint from a request's method, path, and query string.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/proxyrecorder/proxy/internal/pathsafe"
)

// Key computes the RecordingKey for a method and raw URL (path plus an
// optional "?query" suffix, as found on http.Request.URL.RequestURI()).
//
// Headers are never part of the key: header-based disambiguation is not
// supported by design (spec §4.1).
func Key(method, rawURL string) string {
	path, query, _ := strings.Cut(rawURL, "?")

	segments := strings.Split(path, "/")
	var nonEmpty []string
	for _, s := range segments {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}

	var pathPart string
	if len(nonEmpty) == 0 {
		pathPart = "root"
	} else {
		pathPart = strings.Join(nonEmpty, "_")
	}

	key := strings.ToUpper(method) + "_" + pathPart
	if query != "" {
		sum := md5.Sum([]byte(query))
		key += "_" + hex.EncodeToString(sum[:])[:16]
	}

	return pathsafe.Sanitize(key) + ".json"
}

// WSKey computes the key a WebSocketRecording is matched by: "WS_" followed
// by the sanitized path+query the upgrade request was made to.
func WSKey(rawURL string) string {
	return "WS_" + pathsafe.Sanitize(rawURL)
}
