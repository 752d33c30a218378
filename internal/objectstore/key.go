package objectstore

import (
	"regexp"
	"strings"
	"time"
)

var notAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

const maxSanitizedURLLen = 50

// DeriveKey computes the deterministic object-store key for a
// request, per spec.md §4.2 and §6:
//
//	screenshots/YYYY-MM-DD/<requestId>_<sanitized-url>.<format>
//
// sanitizedURL is url with its scheme stripped, each non-alphanumeric
// character replaced by an underscore (runs are not collapsed), and
// truncated to 50 characters. now should be the current UTC time at
// upload; DeriveKey is otherwise a pure function of its arguments.
func DeriveKey(rawURL, requestID, format string, now time.Time) string {
	date := now.UTC().Format("2006-01-02")
	sanitized := sanitizeURL(rawURL)
	return "screenshots/" + date + "/" + requestID + "_" + sanitized + "." + format
}

func sanitizeURL(rawURL string) string {
	u := strings.TrimPrefix(rawURL, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = notAlphanumeric.ReplaceAllString(u, "_")
	if len(u) > maxSanitizedURLLen {
		u = u[:maxSanitizedURLLen]
	}
	return u
}
