package memcached

import (
	"fmt"

	"github.com/cespare/xxhash"
)

// KeyTransformer rewrites a caller-supplied key before it's used for
// ring lookup and put on the wire. Used to namespace keys, or to collapse
// keys that would otherwise violate the 250-byte/no-control-character
// rule enforced by legalKey.
type KeyTransformer interface {
	Transform(key string) string
}

// IdentityKeyTransformer returns the key unchanged. It's the Client
// default when no KeyTransformer option is supplied.
type IdentityKeyTransformer struct{}

var _ KeyTransformer = IdentityKeyTransformer{}

func (IdentityKeyTransformer) Transform(key string) string { return key }

// HashingKeyTransformer rewrites any key over 250 bytes (or containing
// a byte legalKey would reject) into a fixed-width xxhash digest, so
// callers can pass arbitrarily long or dirty keys without hand-rolling
// their own collapsing scheme. Keys that are already legal pass through
// untouched, so short keys stay human-readable in memcached.
type HashingKeyTransformer struct {
	// Prefix is prepended to every transformed (hashed) key, so a
	// single memcached instance shared by several collaborators can
	// namespace their collapsed keys.
	Prefix string
}

var _ KeyTransformer = HashingKeyTransformer{}

func (t HashingKeyTransformer) Transform(key string) string {
	if legalKey(key) {
		return key
	}
	return fmt.Sprintf("%sh:%016x", t.Prefix, xxhash.Sum64([]byte(key)))
}
