package memcached

import (
	"time"

	"github.com/cachegrove/gomemcached/consistenthash"
)

type options struct {
	Client
	disableLogger bool
}

type Option func(*options)

// WithMaxIdleConns is sets a custom value of open connections per address.
// By default, DefaultMaxIdleConns will be used.
func WithMaxIdleConns(num int) Option {
	return func(o *options) {
		o.Client.maxIdleConns = num
	}
}

// WithTimeout is sets custom timeout for connections.
// By default, DefaultTimeout will be used.
func WithTimeout(tm time.Duration) Option {
	return func(o *options) {
		o.Client.timeout = tm
	}
}

// WithMinPoolSize sets the number of connections eagerly pre-warmed for
// each per-node pool as soon as it's created. By default no connections
// are pre-warmed and the pool fills lazily on first use.
func WithMinPoolSize(num int) Option {
	return func(o *options) {
		o.Client.minPoolSize = num
	}
}

// WithQueueTimeout sets how long an acquisition waits for a free slot
// once a node's pool is at capacity, before failing.
// By default, DefaultSocketPoolingTimeout will be used.
func WithQueueTimeout(tm time.Duration) Option {
	return func(o *options) {
		o.Client.queueTimeout = tm
	}
}

// WithCustomHashRing for setup use consistenthash.NewCustomHashRing
func WithCustomHashRing(hr *consistenthash.HashRing) Option {
	return func(o *options) {
		o.Client.hr = hr
	}
}

// WithPeriodForNodeHealthCheck is sets a custom frequency for health checker of physical nodes.
// By default, DefaultNodeHealthCheckPeriod will be used.
func WithPeriodForNodeHealthCheck(t time.Duration) Option {
	return func(o *options) {
		o.Client.nodeHCPeriod = t
	}
}

// WithPeriodForRebuildingNodes is sets a custom frequency for resharding and checking for dead nodes.
// By default, DefaultRebuildingNodePeriod will be used.
func WithPeriodForRebuildingNodes(t time.Duration) Option {
	return func(o *options) {
		o.Client.nodeRBPeriod = t
	}
}

// WithDisableNodeProvider is disabled node health cheek and rebuild nodes for hash ring
func WithDisableNodeProvider() Option {
	return func(o *options) {
		o.Client.disableNodeProvider = true
	}
}

// WithDisableRefreshConnsInPool is disabled auto close some connections in pool in NodeProvider.
// This is done to refresh connections in the pool.
func WithDisableRefreshConnsInPool() Option {
	return func(o *options) {
		o.Client.disableRefreshConns = true
	}
}

// WithDisableMemcachedDiagnostic is disabled write library metrics.
//
//	gomemcached_method_duration_seconds
func WithDisableMemcachedDiagnostic() Option {
	return func(o *options) {
		o.Client.disableMemcachedDiagnostic = true
	}
}

// WithDisableLogger is disabled internal library logs.
func WithDisableLogger() Option {
	return func(o *options) {
		o.disableLogger = true
	}
}

// WithAuthentication is turn on authenticate for memcached
func WithAuthentication(user, pass string) Option {
	return func(o *options) {
		o.Client.authEnable = true
		o.Client.authData = prepareAuthData(user, pass)
	}
}

// WithTextDialect switches single-key operations (Get, Store, Cas,
// Delete, Delta, Append, Exists) and the FlushAll/Stats broadcasts to
// the line-oriented text protocol instead of the binary protocol.
// Pipelined multi-key batches (MultiGet, MultiStore, MultiDelete)
// always use the binary protocol, since the text dialect has no
// quiet-opcode equivalent.
func WithTextDialect() Option {
	return func(o *options) {
		o.Client.dialect = textDialect{}
	}
}

// WithKeyTransformer installs a KeyTransformer applied to every key
// before ring lookup and wire use. By default keys pass through
// unchanged (IdentityKeyTransformer).
func WithKeyTransformer(kt KeyTransformer) Option {
	return func(o *options) {
		o.Client.keyTransformer = kt
	}
}

// WithTranscoder installs a Transcoder for collaborators that want to
// store/retrieve arbitrary Go values rather than raw bytes. By default
// RawTranscoder is used, which only accepts []byte/string.
func WithTranscoder(t Transcoder) Option {
	return func(o *options) {
		o.Client.transcoder = t
	}
}

// WithFailurePolicy customizes the Throttling failure policy applied
// per node: failureThreshold consecutive failures within resetAfter
// trip the node's breaker, and it stays tripped for deadTimeout before
// a single probe request is let through.
func WithFailurePolicy(failureThreshold uint32, resetAfter, deadTimeout time.Duration) Option {
	return func(o *options) {
		o.Client.failureThreshold = failureThreshold
		o.Client.resetAfter = resetAfter
		o.Client.deadTimeout = deadTimeout
	}
}

// WithMultiNodeDeadline bounds how long MultiGet/MultiStore/MultiDelete/
// FlushAll wait on the slowest node before abandoning stragglers.
// By default, DefaultMultiNodeDeadline (13s) is used.
func WithMultiNodeDeadline(d time.Duration) Option {
	return func(o *options) {
		o.Client.multiNodeDeadline = d
	}
}
