// Package objectstore is the Object Store Adapter (spec.md §4.2): an
// idempotent PUT of a byte payload under a deterministic key.
package objectstore

import "context"

// Store puts a payload under key and returns its public URL. A
// second Put under the same key succeeds and overwrites — this is
// deliberate, since the coordinator only reaches Put once it holds
// exclusive (if possibly duplicated) claim of a requestId.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (url string, err error)
}

// ContentType returns the MIME type for a screenshot format.
func ContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}
