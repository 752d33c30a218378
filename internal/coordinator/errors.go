package coordinator

import "fmt"

// MalformedError is returned (wrapped in a Nack) when a message body
// is not valid JSON or is missing a required field. Per spec.md §7,
// the queue's own dead-letter policy is what eventually catches these
// — the coordinator never special-cases a malformed-message counter.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// RenderError and UploadError are thin markers over the underlying
// cause so the failure path (step 6) can record a useful
// errorMessage without callers needing to know which component
// produced it.
type RenderError struct {
	Cause error
}

func (e *RenderError) Error() string { return fmt.Sprintf("render failed: %v", e.Cause) }
func (e *RenderError) Unwrap() error { return e.Cause }

type UploadError struct {
	Cause error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload failed: %v", e.Cause) }
func (e *UploadError) Unwrap() error { return e.Cause }
