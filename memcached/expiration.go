package memcached

import (
	"fmt"
	"math"
	"time"
)

// thirtyDaysSeconds is the memcached cutover point: an expiration value at
// or below this many seconds is treated as a relative TTL, anything larger
// is treated as a Unix timestamp.
const thirtyDaysSeconds = uint32(60 * 60 * 24 * 30)

// MaxDuration is the ComputeExpiration sentinel for "valid_for supplied,
// but meant as a type-level maximum rather than a real TTL" — treated as
// never-expires, same as a zero duration.
const MaxDuration = time.Duration(math.MaxInt64)

// MaxExpiresAt is the ComputeExpiration sentinel for "expires_at supplied,
// but meant as a type-level maximum rather than a real instant" — treated
// as never-expires, same as a zero Time.
var MaxExpiresAt = time.Unix(math.MaxInt64, 0)

// unixEpoch is the lower bound an expires_at instant must not fall before.
var unixEpoch = time.Unix(0, 0).UTC()

// ComputeExpiration resolves the client façade's expiration arithmetic to
// the single uint32 the wire protocol expects, per a relative "valid for"
// duration or an absolute "expires at" instant — never both. Passing both
// a non-zero validFor and a non-zero expiresAt is a caller error; passing
// neither means "never expires".
func ComputeExpiration(validFor time.Duration, expiresAt time.Time) (uint32, error) {
	hasValidFor := validFor != 0
	hasExpiresAt := !expiresAt.IsZero()

	switch {
	case hasValidFor && hasExpiresAt:
		return 0, fmt.Errorf("%w: valid_for and expires_at are mutually exclusive", ErrInvalidArguments)
	case !hasValidFor && !hasExpiresAt:
		return 0, nil
	case hasValidFor:
		return computeRelativeExpiration(validFor), nil
	default:
		return computeAbsoluteExpiration(expiresAt)
	}
}

// computeRelativeExpiration turns a duration into the uint32 expiration
// value the wire protocol expects, following memcached's own rule:
// durations of up to 30 days are sent as a relative number of seconds,
// anything longer is sent as an absolute Unix timestamp so the server
// doesn't have to track multi-month counters.
//
// A zero, negative, or MaxDuration value means "never expires" and is
// sent as 0.
func computeRelativeExpiration(validFor time.Duration) uint32 {
	if validFor <= 0 || validFor == MaxDuration {
		return 0
	}

	seconds := uint32(validFor / time.Second)
	if seconds <= thirtyDaysSeconds {
		return seconds
	}

	return uint32(time.Now().Add(validFor).UTC().Unix())
}

// computeAbsoluteExpiration converts an absolute instant into a Unix-seconds
// expiration value. An instant before the Unix epoch is out of range;
// MaxExpiresAt means "never expires".
func computeAbsoluteExpiration(expiresAt time.Time) (uint32, error) {
	if expiresAt.Equal(MaxExpiresAt) {
		return 0, nil
	}
	if expiresAt.Before(unixEpoch) {
		return 0, fmt.Errorf("%w: expires_at is before the Unix epoch", ErrInvalidArguments)
	}

	return uint32(expiresAt.UTC().Unix()), nil
}

// ExpirationToDuration is the inverse of ComputeExpiration's relative
// branch: given a raw expiration value as previously computed, returns
// how long from now the item still has left to live.
func ExpirationToDuration(exp uint32) time.Duration {
	if exp == 0 {
		return 0
	}
	if exp <= thirtyDaysSeconds {
		return time.Duration(exp) * time.Second
	}

	remaining := time.Unix(int64(exp), 0).Sub(time.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}
