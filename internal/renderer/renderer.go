// Package renderer is the Renderer (spec.md §4.3): given a URL and
// capture options, produces an image payload using a reusable,
// crash-recoverable browser engine handle.
package renderer

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Options describes a single capture request.
type Options struct {
	URL      string
	Width    int
	Height   int
	Format   string // "png" or "jpeg"
	Quality  int    // 0-100, meaningful only for jpeg
	FullPage bool
	Timeout  time.Duration
}

// RenderError wraps any page-level failure (navigation, viewport,
// capture). The page context is closed on every exit path regardless
// of whether this error is returned.
type RenderError struct {
	URL   string
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.URL, e.Cause)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// Renderer is the capability-typed dependency the coordinator holds.
// Implementations must serialize only the (re-)initialization of
// their shared engine handle; renders themselves must not serialize
// against one another.
type Renderer interface {
	Render(ctx context.Context, opts Options) ([]byte, error)
	Close(ctx context.Context) error
}

// NormalizeURL trims whitespace and, if neither scheme is present,
// prepends https://, per spec.md §4.3.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	return "https://" + trimmed
}
