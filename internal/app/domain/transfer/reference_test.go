package transfer

import (
	"regexp"
	"testing"
	"time"
)

func TestNewReferenceNumber(t *testing.T) {
	now := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	ref := NewReferenceNumber(now)

	pattern := regexp.MustCompile(`^TXN20260314[0-9A-F]{8}$`)
	if !pattern.MatchString(ref) {
		t.Fatalf("reference %q does not match %s", ref, pattern)
	}

	// Suffixes are random; collisions across a small sample indicate a broken
	// entropy source.
	seen := map[string]bool{ref: true}
	for i := 0; i < 100; i++ {
		next := NewReferenceNumber(now)
		if seen[next] {
			t.Fatalf("duplicate reference generated: %s", next)
		}
		seen[next] = true
	}
}
