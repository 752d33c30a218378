package objectstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKey(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		url       string
		requestID string
		format    string
		want      string
	}{
		{
			name:      "scenario 1 fixture",
			url:       "example.com",
			requestID: "r1",
			format:    "png",
			want:      "screenshots/2026-07-30/r1_example_com.png",
		},
		{
			name:      "strips https scheme",
			url:       "https://example.com/path",
			requestID: "r2",
			format:    "jpeg",
			want:      "screenshots/2026-07-30/r2_example_com_path.jpeg",
		},
		{
			name:      "truncates past 50 chars",
			url:       "http://" + repeat("a", 80) + ".com",
			requestID: "r3",
			format:    "png",
			want:      "screenshots/2026-07-30/r3_" + repeat("a", 50) + ".png",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DeriveKey(c.url, c.requestID, c.format, now)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestDeriveKeyIsPureOfDate(t *testing.T) {
	a := DeriveKey("example.com", "r1", "png", time.Date(2026, 1, 1, 23, 59, 59, 0, time.UTC))
	b := DeriveKey("example.com", "r1", "png", time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Equal(t, a, b, "same UTC date should yield the same key regardless of time of day")
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
