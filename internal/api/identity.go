package api

import (
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is the immutable browser fingerprint a client presents: a device
// id, a web id, and a user id. It is created once at client construction and
// threaded through every call, so a process never changes its apparent
// device mid-session.
type Identity struct {
	DeviceID int64
	WebID    int64
	UserID   string
}

// NewIdentity generates a fresh identity from the given randomness source.
// A nil source falls back to a time-seeded one.
func NewIdentity(r *rand.Rand) Identity {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	id := Identity{
		DeviceID: fingerprint(r),
		WebID:    fingerprint(r),
	}
	// The user id is derived from the same source, so a seeded identity is
	// reproducible in full.
	u, err := uuid.NewRandomFromReader(r)
	if err != nil {
		u = uuid.New()
	}
	id.UserID = strings.ReplaceAll(u.String(), "-", "")
	return id
}

// fingerprint draws a value in the range the web client's tracking ids
// occupy.
func fingerprint(r *rand.Rand) int64 {
	const lo, hi = 7_000_000_000_000_000_000, 9_000_000_000_000_000_000
	return lo + r.Int63n(hi-lo)
}
