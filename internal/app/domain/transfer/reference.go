package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// ReferencePrefix starts every reference number.
const ReferencePrefix = "TXN"

// referenceSuffixBytes gives an 8-character uppercase hex suffix.
const referenceSuffixBytes = 4

// NewReferenceNumber produces a human-readable candidate reference such as
// TXN20260901A3F09C1D: a date stamp plus a random suffix. Uniqueness is only
// probabilistic here; the caller re-generates until the store confirms no
// collision.
func NewReferenceNumber(now time.Time) string {
	buf := make([]byte, referenceSuffixBytes)
	// crypto/rand.Read only fails when the platform entropy source is broken,
	// in which case there is nothing sensible to fall back to.
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return ReferencePrefix + now.Format("20060102") + strings.ToUpper(hex.EncodeToString(buf))
}
