// Package distributedcache is a thin byte-oriented façade over
// *memcached.Client, modeled after the sliding/absolute expiration cache
// abstractions common in distributed-cache libraries: Set/Get/Remove plus
// a Refresh that extends a sliding entry's lifetime by re-storing its
// current value with a fresh expiration.
package distributedcache

import (
	"errors"
	"strconv"
	"time"

	"github.com/cachegrove/gomemcached/logger"
	"github.com/cachegrove/gomemcached/memcached"
)

// optionsSuffix is appended to a cache key to name the sibling entry that
// carries the key's expiration metadata, so Refresh can recompute a TTL
// without the caller having to resupply one.
const optionsSuffix = "-DistributedCacheEntryOptions"

// ErrNotFound is returned by Get when the key is absent, and by Refresh
// when the key is absent while its expiration sibling is still present.
var ErrNotFound = errors.New("distributedcache: entry not found")

// Options configures how long an entry set via Set should live. A
// SlidingExpiration is renewed by Refresh; an AbsoluteExpiration is fixed
// regardless of Refresh calls. At most one of the two should be set; if
// both are zero the entry never expires.
type Options struct {
	SlidingExpiration  time.Duration
	AbsoluteExpiration time.Duration
}

// Cache wraps a *memcached.Client with a byte-oriented Set/Get/Remove/Refresh
// surface and sliding-expiration bookkeeping.
type Cache struct {
	client *memcached.Client
}

// New wraps an existing memcached client. The client's lifecycle (Close,
// node provider goroutines) remains owned by the caller.
func New(client *memcached.Client) *Cache {
	return &Cache{client: client}
}

// Set stores value under key. When opts carries a SlidingExpiration, the
// duration (in whole seconds) is persisted under the key's options sibling so Refresh can
// later recompute a fresh TTL; an AbsoluteExpiration is sent as-is and not
// tracked for renewal, matching the semantics of a fixed-lifetime entry.
func (c *Cache) Set(key string, value []byte, opts Options) error {
	exp, err := memcached.ComputeExpiration(opts.effectiveTTL(), time.Time{})
	if err != nil {
		return err
	}
	if _, err := c.client.Store(memcached.Set, key, exp, value); err != nil {
		return err
	}

	if opts.SlidingExpiration <= 0 {
		return nil
	}

	sibling := optionsKey(key)
	raw := []byte(strconv.FormatInt(int64(opts.SlidingExpiration/time.Second), 10))
	if _, err := c.client.Store(memcached.Set, sibling, exp, raw); err != nil {
		logger.Warnf("distributedcache: failed to persist sliding expiration for %q: %s", key, err)
	}
	return nil
}

// Get retrieves the raw bytes stored under key. Returns ErrNotFound if the
// key is absent or expired.
func (c *Cache) Get(key string) ([]byte, error) {
	resp, err := c.client.Get(key)
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

// Remove deletes key and its sliding-expiration sibling, if any.
func (c *Cache) Remove(key string) error {
	_, err := c.client.Delete(key)
	if err != nil && !errors.Is(err, memcached.ErrCacheMiss) {
		return err
	}

	if _, sErr := c.client.Delete(optionsKey(key)); sErr != nil && !errors.Is(sErr, memcached.ErrCacheMiss) {
		logger.Warnf("distributedcache: failed to remove sliding expiration sibling for %q: %s", key, sErr)
	}
	return nil
}

// Refresh extends a sliding-expiration entry's lifetime. It reads the
// sliding duration (in seconds) from the sibling set by Set, recomputes a
// fresh expiration from "now" (rather than replaying a stored expiration
// value, which would only ever shrink on every refresh once it crossed
// into absolute-timestamp encoding), then reads the primary value and
// re-stores it unchanged, together with the sibling, under that new
// expiration. Entries set without a SlidingExpiration are a no-op, as is
// a sibling that cannot be parsed; ErrNotFound is returned when the
// sibling is present but the primary key is not.
func (c *Cache) Refresh(key string) error {
	sibling := optionsKey(key)
	resp, err := c.client.Get(sibling)
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return nil
		}
		return err
	}

	seconds, err := strconv.ParseInt(string(resp.Body), 10, 64)
	if err != nil {
		return nil
	}
	ttl := time.Duration(seconds) * time.Second
	exp, err := memcached.ComputeExpiration(ttl, time.Time{})
	if err != nil {
		return err
	}

	value, err := c.client.Get(key)
	if err != nil {
		if errors.Is(err, memcached.ErrCacheMiss) {
			return ErrNotFound
		}
		return err
	}

	if _, err := c.client.Store(memcached.Set, key, exp, value.Body); err != nil {
		return err
	}
	if _, err := c.client.Store(memcached.Set, sibling, exp, resp.Body); err != nil {
		logger.Warnf("distributedcache: failed to renew sliding expiration sibling for %q: %s", key, err)
	}
	return nil
}

func optionsKey(key string) string {
	return key + optionsSuffix
}

func (o Options) effectiveTTL() time.Duration {
	if o.AbsoluteExpiration > 0 {
		return o.AbsoluteExpiration
	}
	return o.SlidingExpiration
}
