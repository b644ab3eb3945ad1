package memcached

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/exp/maps"

	"github.com/cachegrove/gomemcached/consistenthash"
	"github.com/cachegrove/gomemcached/logger"
	"github.com/cachegrove/gomemcached/pool"
	"github.com/cachegrove/gomemcached/utils"
)

const (
	// DefaultTimeout is the default connect (dial) timeout.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultMaxIdleConns is the default maximum number of idle connections
	// kept for any single address.
	DefaultMaxIdleConns = 100

	// DefaultNodeHealthCheckPeriod is the default time period for start check available nods
	DefaultNodeHealthCheckPeriod = 15 * time.Second
	// DefaultRebuildingNodePeriod is the default time period for rebuilds the nodes in hash ring using freshly discovered
	DefaultRebuildingNodePeriod = 15 * time.Second

	// DefaultRetryCountForConn is a default number of connection retries before return i/o timeout error
	DefaultRetryCountForConn = uint8(3)

	// DefaultOfNumberConnsToDestroyPerRBPeriod is number of connections in pool whose needed close in every rebuild node cycle
	DefaultOfNumberConnsToDestroyPerRBPeriod = 1

	// DefaultSocketPoolingTimeout Amount of time to acquire socket from pool
	DefaultSocketPoolingTimeout = 50 * time.Millisecond

	// DefaultFailureThreshold is the number of consecutive failures
	// within a reset window that trips a node's failure policy.
	DefaultFailureThreshold = uint32(5)
	// DefaultResetAfter is how long failure counts are accumulated
	// before the failure policy resets its window.
	DefaultResetAfter = 10 * time.Second
	// DefaultDeadTimeout is how long a tripped node is throttled before
	// a single probe request is let through again.
	DefaultDeadTimeout = 30 * time.Second

	// DefaultMultiNodeDeadline bounds fan-out operations across every
	// node in the ring (MultiGet, MultiStore, MultiDelete, FlushAll).
	DefaultMultiNodeDeadline = 13 * time.Second
)

var _ Memcached = (*Client)(nil)

type (
	Memcached interface {
		Store(storeMode StoreMode, key string, exp uint32, body []byte) (*Response, error)
		StoreValue(storeMode StoreMode, key string, exp uint32, value any) (*Response, error)
		Cas(key string, exp uint32, casID uint64, body []byte) (*Response, error)
		Get(key string) (*Response, error)
		GetValue(key string, v any) error
		Exists(key string) (bool, error)
		Delete(key string) (*Response, error)
		Delta(deltaMode DeltaMode, key string, delta, initial uint64, exp uint32) (newValue uint64, err error)
		Append(appendMode AppendMode, key string, data []byte) (*Response, error)
		FlushAll(exp uint32) error
		MultiDelete(keys []string) error
		MultiStore(storeMode StoreMode, items map[string][]byte, exp uint32) error
		MultiGet(keys []string) (map[string][]byte, error)
		Stats(statType string) (map[string]map[string]string, error)

		CloseAllConns()
		CloseAvailableConnsInAllShardPools(numOfClose int) int
		Dispose()
	}

	// Client is a memcached client.
	// It is safe for unlocked use by multiple concurrent goroutines.
	Client struct {
		ctx context.Context
		nw  *network
		cfg *config

		// opaque - a unique identifier for the request, used to associate the request with its corresponding response.
		opaque *uint32

		// timeout specifies the connect (dial) timeout; no read or write
		// deadline is set on established connections.
		// If zero, DefaultTimeout is used.
		timeout time.Duration

		// maxIdleConns specifies the maximum number of idle connections that will
		// be maintained per address. If less than one, DefaultMaxIdleConns will be
		// used.
		//
		// Consider your expected traffic rates and latency carefully. This should
		// be set to a number higher than your peak parallel requests.
		maxIdleConns int

		// minPoolSize specifies the number of connections eagerly dialed
		// into a newly created per-node pool, ahead of first use. Zero
		// means no pre-warming.
		minPoolSize int

		// queueTimeout is how long an acquisition waits for a free slot
		// once a node's pool is at capacity, before failing.
		// If zero, DefaultSocketPoolingTimeout is used.
		queueTimeout time.Duration

		// hr - hash ring implementation (can be a custom consistenthash.NewCustomHashRing)
		hr consistenthash.ConsistentHash

		// disableMemcachedDiagnostic - is flag for turn off write metrics from lib.
		disableMemcachedDiagnostic bool
		// disableNodeProvider - is flag for turn off rebuild and health check nodes.
		disableNodeProvider bool
		// disableRefreshConns - is flag for turn off to refresh conns in the pool.
		disableRefreshConns bool
		// nodeHCPeriod - period for execute nodes health checker
		// if zero, DefaultNodeHealthCheckPeriod is used.
		nodeHCPeriod time.Duration
		// nodeRBPeriod - period for execute rebuilding nodes
		// if zero, DefaultRebuildingNodePeriod is used.
		nodeRBPeriod time.Duration

		// fmu - mutex for freeConns
		fmu sync.RWMutex
		// freeConns hashmap with nodes and their open dial connections
		freeConns map[string]*pool.Pool
		// dmu - mutex for deadNodes
		dmu sync.RWMutex
		// deadNodes hashmap with nodes that did not respond to health check
		deadNodes map[string]struct{}

		authEnable bool
		// authData ready body for authentication request
		authData []byte

		// fpmu - mutex for failurePolicies
		fpmu sync.RWMutex
		// failurePolicies hashmap with nodes and their circuit-breaker failure policy
		failurePolicies map[string]*BreakerFailurePolicy
		// failureThreshold/resetAfter/deadTimeout configure failurePolicies,
		// see WithFailurePolicy.
		failureThreshold uint32
		resetAfter       time.Duration
		deadTimeout      time.Duration

		// events fans NodeFailedEvent out to registered listeners.
		events nodeEventSink

		// multiNodeDeadline bounds how long a multi-node fan-out
		// (MultiGet/MultiStore/MultiDelete/FlushAll) waits on the
		// slowest node before giving up on stragglers.
		// If zero, DefaultMultiNodeDeadline is used.
		multiNodeDeadline time.Duration

		// keyTransformer rewrites keys before ring lookup and wire use.
		// If nil, IdentityKeyTransformer is used.
		keyTransformer KeyTransformer
		// transcoder converts between caller values and wire bytes for
		// Client.Get/Store variants that accept/return arbitrary values.
		// If nil, RawTranscoder is used.
		transcoder Transcoder

		// dialect selects the wire dialect (binary or text) used for
		// single-key operations. If nil, the binary dialect is used.
		dialect dialect
	}

	network struct {
		dial        func(network string, address string) (net.Conn, error)
		dialTimeout func(network string, address string, timeout time.Duration) (net.Conn, error)
		lookupHost  func(host string) (addrs []string, err error)
	}

	config struct {
		// HeadlessServiceAddress Headless service to lookup all the memcached ip addresses.
		HeadlessServiceAddress string `envconfig:"MEMCACHED_HEADLESS_SERVICE_ADDRESS"`
		// Servers List of servers with hosted memcached
		Servers []string `envconfig:"MEMCACHED_SERVERS"`
		// MemcachedPort The optional port override for cases when memcached IP addresses are obtained from headless service.
		MemcachedPort int `envconfig:"MEMCACHED_PORT" default:"11211"`
	}
	conn struct {
		rc      io.ReadCloser
		addr    net.Addr
		c       *Client
		hdrBuf  []byte
		healthy bool
		wrtBuf  *bufio.Writer
		authed  bool

		// rdr is a buffered reader over rc, used by the text dialect
		// (line-oriented replies). Created lazily on first use.
		rdr *bufio.Reader
	}
)

// InitFromEnv returns a memcached client using the config.HeadlessServiceAddress or config.Servers
// with equal weight. A server listed multiple times is added to the
// ring once and gets no extra weight.
func InitFromEnv(opts ...Option) (*Client, error) {
	var (
		op  = new(options)
		cfg = new(config)
	)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("%s: client init err: %s", libPrefix, err.Error())
	}

	op.cfg = cfg

	for _, opt := range opts {
		opt(op)
	}

	if op.Client.nw == nil {
		op.Client.nw = &network{
			dial:        net.Dial,
			dialTimeout: net.DialTimeout,
			lookupHost:  net.LookupHost,
		}
	}
	if op.Client.hr == nil {
		op.Client.hr = consistenthash.NewHashRing()
	}
	if op.Client.ctx == nil {
		op.Client.ctx = context.Background()
	}
	if op.Client.opaque == nil {
		op.Client.opaque = new(uint32)
	}
	if op.disableLogger {
		logger.DisableLogger()
	}

	return newFromConfig(op)
}

func newForTests(servers ...string) (*Client, error) {
	hr := consistenthash.NewHashRing()
	for _, s := range servers {
		addr, err := utils.AddrRepr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, err.Error())
		}
		hr.Add(addr)
	}
	cm := &Client{
		ctx:                        context.Background(),
		opaque:                     new(uint32),
		hr:                         hr,
		disableMemcachedDiagnostic: true,
		nw: &network{
			dial:        net.Dial,
			dialTimeout: net.DialTimeout,
			lookupHost:  net.LookupHost,
		},
	}

	return cm, nil
}

func newFromConfig(op *options) (*Client, error) {
	if op.cfg != nil && !(op.cfg.HeadlessServiceAddress != "" || len(op.cfg.Servers) != 0) {
		return nil, fmt.Errorf("%w, you must fill in either MEMCACHED_HEADLESS_SERVICE_ADDRESS or MEMCACHED_SERVERS", ErrNotConfigured)
	}
	nodes, err := getNodes(op.nw.lookupHost, op.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w, %s", ErrInvalidAddr, err.Error())
	}

	mc := &op.Client

	for _, n := range nodes {
		addr, err := utils.AddrRepr(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, err.Error())
		}
		mc.hr.Add(addr)
	}

	if !mc.disableNodeProvider {
		mc.initNodesProvider()
	}
	return mc, nil
}

// release returns this connection back to the client's free pool
func (cn *conn) release() {
	cn.c.putFreeConn(cn)
}

func (cn *conn) close() {
	if p, ok := cn.c.safeGetFreeConn(cn.addr); ok {
		p.Close(cn)
	} else {
		_ = cn.rc.Close()
	}
}

// condRelease releases this connection if the error pointed to by err
// is nil (not an error) or is only a protocol level error (e.g. a
// cache miss).  The purpose is to not recycle TCP connections that
// are bad.
func (cn *conn) condRelease(err *error) {
	if (*err == nil || resumableError(*err)) && cn.healthy {
		cn.release()
	} else {
		cn.close()
	}
}

// reader returns cn's buffered line reader, building it on first use.
func (cn *conn) reader() *bufio.Reader {
	if cn.rdr == nil {
		cn.rdr = bufio.NewReader(cn.rc)
	}
	return cn.rdr
}

func (c *Client) getOpaque() uint32 {
	atomic.CompareAndSwapUint32(c.opaque, math.MaxUint32, uint32(0))
	return atomic.AddUint32(c.opaque, uint32(1))
}

func (c *Client) safeGetFreeConn(addr net.Addr) (*pool.Pool, bool) {
	c.fmu.RLock()
	defer c.fmu.RUnlock()
	connPool, ok := c.freeConns[addr.String()]
	return connPool, ok
}

func (c *Client) safeGetOrInitFreeConn(addr net.Addr) *pool.Pool {
	c.fmu.Lock()
	defer c.fmu.Unlock()

	connPool, ok := c.freeConns[addr.String()]
	if ok {
		return connPool
	}

	dialConn := func() (any, error) {
		nc, err := c.dial(addr)
		if err != nil {
			return nil, err
		}
		return &conn{
			rc:      nc,
			addr:    addr,
			c:       c,
			hdrBuf:  make([]byte, HDR_LEN),
			wrtBuf:  bufio.NewWriter(nc),
			healthy: true,
		}, nil
	}

	closeConn := func(cn any) {
		_ = cn.(*conn).rc.Close()
	}

	newPool := pool.New(c.ctx, int32(c.getMaxIdleConns()), c.getQueueTimeout(), dialConn, closeConn)

	if n := c.getMinPoolSize(); n > 0 {
		if err := newPool.Prewarm(n); err != nil {
			logger.Warnf("prewarm pool for %s: %s", addr.String(), err.Error())
		}
	}

	if c.freeConns == nil {
		c.freeConns = make(map[string]*pool.Pool)
	}
	c.freeConns[addr.String()] = newPool

	return newPool
}

func (c *Client) freeConnsIsNil() bool {
	c.fmu.RLock()
	defer c.fmu.RUnlock()
	return c.freeConns == nil
}

func (c *Client) putFreeConn(cn *conn) {
	connPool, ok := c.safeGetFreeConn(cn.addr)
	if ok {
		connPool.Put(cn)
	} else {
		_ = cn.rc.Close()
	}
}

func (c *Client) getFreeConn(addr net.Addr) (*conn, error) {
	connPool := c.safeGetOrInitFreeConn(addr)

	connRaw, err := connPool.Get()
	if err != nil {
		return nil, fmt.Errorf("%s: Get from pool error - %w", libPrefix, err)
	}

	cn := connRaw.(*conn)

	if c.authEnable && !cn.authed {
		if c.authenticate(cn) {
			cn.authed = true
			return cn, nil
		} else {
			return nil, ErrAuthFail
		}
	}

	return connRaw.(*conn), nil
}

func (c *Client) removeFromFreeConns(addr net.Addr) {
	if c.freeConnsIsNil() {
		return
	}
	connPool, ok := c.safeGetFreeConn(addr)

	c.fmu.Lock()
	defer c.fmu.Unlock()
	if ok {
		connPool.Destroy()
	}
	delete(c.freeConns, addr.String())
}

func (c *Client) netTimeout() time.Duration {
	if c.timeout != 0 {
		return c.timeout
	}
	return DefaultTimeout
}

func (c *Client) getMaxIdleConns() int {
	if c.maxIdleConns > 0 {
		return c.maxIdleConns
	}
	return DefaultMaxIdleConns
}

func (c *Client) getMinPoolSize() int {
	if c.minPoolSize > c.getMaxIdleConns() {
		return c.getMaxIdleConns()
	}
	return c.minPoolSize
}

func (c *Client) getQueueTimeout() time.Duration {
	if c.queueTimeout > 0 {
		return c.queueTimeout
	}
	return DefaultSocketPoolingTimeout
}

func (c *Client) getHCPeriod() time.Duration {
	if c.nodeHCPeriod > 0 {
		return c.nodeHCPeriod
	}
	return DefaultNodeHealthCheckPeriod
}

func (c *Client) getRBPeriod() time.Duration {
	if c.nodeRBPeriod > 0 {
		return c.nodeRBPeriod
	}
	return DefaultRebuildingNodePeriod
}

func (c *Client) getFailureThreshold() uint32 {
	if c.failureThreshold > 0 {
		return c.failureThreshold
	}
	return DefaultFailureThreshold
}

func (c *Client) getResetAfter() time.Duration {
	if c.resetAfter > 0 {
		return c.resetAfter
	}
	return DefaultResetAfter
}

func (c *Client) getDeadTimeout() time.Duration {
	if c.deadTimeout > 0 {
		return c.deadTimeout
	}
	return DefaultDeadTimeout
}

func (c *Client) getMultiNodeDeadline() time.Duration {
	if c.multiNodeDeadline > 0 {
		return c.multiNodeDeadline
	}
	return DefaultMultiNodeDeadline
}

func (c *Client) getKeyTransformer() KeyTransformer {
	if c.keyTransformer != nil {
		return c.keyTransformer
	}
	return IdentityKeyTransformer{}
}

func (c *Client) getTranscoder() Transcoder {
	if c.transcoder != nil {
		return c.transcoder
	}
	return RawTranscoder{}
}

func (c *Client) getDialect() dialect {
	if c.dialect != nil {
		return c.dialect
	}
	return binaryDialect{}
}

// getOrCreateFailurePolicy returns the node's failure policy, creating
// one on first use.
func (c *Client) getOrCreateFailurePolicy(node string) *BreakerFailurePolicy {
	c.fpmu.RLock()
	fp, ok := c.failurePolicies[node]
	c.fpmu.RUnlock()
	if ok {
		return fp
	}

	c.fpmu.Lock()
	defer c.fpmu.Unlock()
	if fp, ok = c.failurePolicies[node]; ok {
		return fp
	}
	if c.failurePolicies == nil {
		c.failurePolicies = make(map[string]*BreakerFailurePolicy)
	}

	fp = NewBreakerFailurePolicy(node, c.getFailureThreshold(), c.getResetAfter(), c.getDeadTimeout(), c.emitNodeFailed)
	c.failurePolicies[node] = fp
	return fp
}

// ConnectTimeoutError is the error type used when it takes
// too long to connect to the desired host. This level of
// detail can generally be ignored.
type ConnectTimeoutError struct {
	Addr net.Addr
}

func (cte *ConnectTimeoutError) Error() string {
	return "connect timeout to " + cte.Addr.String()
}

func (c *Client) dial(addr net.Addr) (net.Conn, error) {
	if c.netTimeout() > 0 {
		nc, err := c.nw.dialTimeout(addr.Network(), addr.String(), c.netTimeout())
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, &ConnectTimeoutError{addr}
			}
			return nil, err
		}
		return nc, nil
	}
	return c.nw.dial(addr.Network(), addr.String())
}

func (c *Client) getConnForNode(node any) (*conn, error) {
	addr, ok := node.(net.Addr)
	if !ok {
		return nil, ErrInvalidAddr
	}
	cn, err := c.getFreeConn(addr)
	if err != nil {
		return nil, err
	}

	return cn, nil
}

// Store is a wrote the provided item with expiration.
func (c *Client) Store(storeMode StoreMode, key string, exp uint32, body []byte) (_ *Response, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Store", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return nil, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}
	defer cn.condRelease(&err)

	resp, err := c.getDialect().store(cn, storeMode.Resolve(), key, exp, c.getOpaque(), 0, body)
	return resp, err
}

// StoreValue encodes value through the client's Transcoder and stores
// the resulting bytes under key. An encoding failure is reported before
// any node is contacted.
func (c *Client) StoreValue(storeMode StoreMode, key string, exp uint32, value any) (*Response, error) {
	body, err := c.getTranscoder().Encode(value)
	if err != nil {
		return nil, err
	}
	return c.Store(storeMode, key, exp, body)
}

// Cas is a CAS-aware store: the write is only applied if the server's
// current CAS value for key still matches casID. A mismatch (the item
// was modified since casID was observed) returns ErrCASConflict rather
// than silently overwriting; the Response returned alongside it carries
// the server's current CAS (binary dialect), so callers can retry
// without issuing a fresh Get. If the item is no longer present,
// ErrCacheMiss is returned instead.
func (c *Client) Cas(key string, exp uint32, casID uint64, body []byte) (_ *Response, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Cas", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return nil, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}
	defer cn.condRelease(&err)

	resp, err := c.getDialect().store(cn, SET, key, exp, c.getOpaque(), casID, body)
	if err != nil && errors.Is(err, ErrNotStored) && errStatus(err) == KEY_EEXISTS {
		return resp, fmt.Errorf("%w. %w", ErrCASConflict, err)
	}
	return resp, err
}

func (c *Client) store(cn *conn, opcode OpCode, key string, exp, opaque uint32, body []byte) (*Response, error) {
	return c.getDialect().store(cn, opcode, key, exp, opaque, 0, body)
}

// send transmits req and reads its response. The caller owns releasing
// cn back to its pool (via cn.condRelease) once done with it.
func (c *Client) send(cn *conn, req *Request) (resp *Response, err error) {
	_, err = transmitRequest(cn.wrtBuf, req)
	if err != nil {
		cn.healthy = false
		return
	}

	if err = cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}

	resp, _, err = getResponse(cn.rc, cn.hdrBuf)
	cn.healthy = !isFatal(err)
	return resp, err
}

// Get is return an item for provided key.
func (c *Client) Get(key string) (_ *Response, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Get", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return nil, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}
	defer cn.condRelease(&err)

	resp, err := c.getDialect().get(cn, key, c.getOpaque())
	return resp, err
}

// GetValue fetches key and decodes its payload into v through the
// client's Transcoder. v must be a pointer the Transcoder understands.
func (c *Client) GetValue(key string, v any) error {
	resp, err := c.Get(key)
	if err != nil {
		return err
	}
	return c.getTranscoder().Decode(resp.Body, v)
}

// Exists reports whether key is present, without transferring its
// value. It probes with a zero-length Append: success proves presence
// (and leaves the stored value bit-identical), a NOT_STORED response
// means the key is absent. On a failed probe the key is deleted as
// well, so a stale entry can't linger behind a false answer. This
// avoids a full Get just to check presence.
func (c *Client) Exists(key string) (exists bool, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Exists", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return false, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return false, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return false, err
	}
	defer cn.condRelease(&err)

	_, err = c.getDialect().appendPrepend(cn, Append, key, c.getOpaque(), nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotStored):
		if _, dErr := c.getDialect().del(cn, key, c.getOpaque()); dErr != nil && !errors.Is(dErr, ErrCacheMiss) {
			logger.Warnf("%s: Exists cleanup delete for %q failed - %s", libPrefix, key, dErr.Error())
		}
		return false, nil
	default:
		return false, err
	}
}

// Delete is a deletes the element with the provided key.
// If the element does not exist, an ErrCacheMiss error is returned.
func (c *Client) Delete(key string) (_ *Response, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Delete", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return nil, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}
	defer cn.condRelease(&err)

	resp, err := c.getDialect().del(cn, key, c.getOpaque())
	return resp, err
}

// Delta is an atomically increments/decrements value by delta. The return value is
// the new value after being incremented/decrements or an error.
func (c *Client) Delta(deltaMode DeltaMode, key string, delta, initial uint64, exp uint32) (newValue uint64, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Delta", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return 0, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return 0, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return 0, err
	}
	defer cn.condRelease(&err)

	return c.getDialect().delta(cn, deltaMode, key, delta, initial, exp)
}

// Append is an appends/prepends the given item to the existing item, if a value already
// exists for its key. ErrNotStored is returned if that condition is not met.
func (c *Client) Append(appendMode AppendMode, key string, data []byte) (_ *Response, err error) {
	timer := time.Now()
	defer c.writeMethodDiagnostics("Append", timer, &err)

	key = c.getKeyTransformer().Transform(key)
	if !legalKey(key) {
		return nil, ErrMalformedKey
	}

	node, find := c.hr.Get(key)
	if !find {
		return nil, ErrNoServers
	}

	cn, err := c.getConnForNode(node)
	if err != nil {
		return nil, err
	}
	defer cn.condRelease(&err)

	resp, err := c.getDialect().appendPrepend(cn, appendMode, key, c.getOpaque(), data)
	return resp, err
}

// waitBounded waits for wg to finish, but gives up after the Client's
// configured multi-node deadline, leaving any stragglers to finish (or
// not) on their own. Returns true if wg finished before the deadline.
func (c *Client) waitBounded(wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(c.getMultiNodeDeadline()):
		return false
	}
}

// ringKeyDistributionSample is how many synthetic keys ringEntropy
// routes through the ring to estimate its balance.
const ringKeyDistributionSample = 1000

// ringEntropy routes a fixed sample of synthetic keys through the ring
// and returns the normalized Shannon entropy of the resulting per-node
// counts. Values near 1 indicate an even spread; values well below 1
// flag a skewed ring.
func (c *Client) ringEntropy() float64 {
	counts := make(map[any]int, c.hr.GetNodesCount())
	for i := 0; i < ringKeyDistributionSample; i++ {
		if node, ok := c.hr.Get("entropy-sample-" + strconv.Itoa(i)); ok {
			counts[utils.Repr(node)]++
		}
	}
	return utils.CalcEntropy(counts)
}

// Stats fans out a "stats [type]" request to every node in the ring and
// merges the per-endpoint {key -> value} maps, keyed by the node's own
// string representation. A node that doesn't answer within the
// multi-node deadline simply contributes no entry. A synthetic "ring"
// entry carries client-side ring diagnostics (node count and key
// distribution entropy) alongside the per-server maps.
func (c *Client) Stats(statType string) (_ map[string]map[string]string, err error) {
	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("Stats", timerMethod, &err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		multiErr error

		nodes = c.hr.GetAllNodes()
		ret   = make(map[string]map[string]string, len(nodes))
	)

	addToMultiErr := func(e error) {
		mu.Lock()
		defer mu.Unlock()
		multiErr = errors.Join(multiErr, e)
	}
	addToRet := func(node any, stats map[string]string) {
		mu.Lock()
		defer mu.Unlock()
		ret[utils.Repr(node)] = stats
	}

	for _, node := range nodes {
		wg.Add(1)
		go func(node any) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				addToMultiErr(nErr)
				return
			}
			defer cn.condRelease(&cnErr)

			var nodeStats map[string]string
			nodeStats, cnErr = c.getDialect().stats(cn, statType, c.getOpaque())
			if cnErr != nil {
				addToMultiErr(cnErr)
				return
			}
			addToRet(node, nodeStats)
		}(node)
	}

	if !c.waitBounded(&wg) {
		addToMultiErr(fmt.Errorf("%w: Stats did not complete within the multi-node deadline", ErrServerNotAvailable))
	}

	if len(ret) == 0 {
		if multiErr != nil {
			return ret, multiErr
		}
		return ret, ErrNoStats
	}

	ret["ring"] = map[string]string{
		"nodes":   strconv.Itoa(c.hr.GetNodesCount()),
		"entropy": strconv.FormatFloat(c.ringEntropy(), 'f', 4, 64),
	}
	return ret, nil
}

// Dispose releases every pooled connection held by the client. Idle
// pooled connections are closed; connections held by in-flight
// operations are not interrupted. New operations dial fresh connections
// as usual.
func (c *Client) Dispose() {
	c.CloseAllConns()
}

// FlushAll is a deletes all items in the cache.
func (c *Client) FlushAll(exp uint32) (err error) {
	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("FlushAll", timerMethod, &err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		multiErr error

		nodes = c.hr.GetAllNodes()
	)

	addToMultiErr := func(e error) {
		mu.Lock()
		defer mu.Unlock()
		multiErr = errors.Join(multiErr, e)
	}

	for _, node := range nodes {
		wg.Add(1)
		go func(node any) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				addToMultiErr(nErr)
				return
			}
			defer cn.condRelease(&cnErr)

			if cnErr = c.getDialect().flushAll(cn, exp, c.getOpaque()); cnErr != nil {
				addToMultiErr(cnErr)
			}
		}(node)
	}

	if !c.waitBounded(&wg) {
		addToMultiErr(fmt.Errorf("%w: FlushAll did not complete within the multi-node deadline", ErrServerNotAvailable))
	}

	return multiErr
}

// MultiGet is a batch version of Get. The returned map from keys to
// items may have fewer elements than the input slice, due to memcached
// cache misses. Each key must be at most 250 bytes in length.
// If no error is returned, the returned map will also be non-nil.
// Keys owned by a node that cannot be reached, or that does not answer
// within the multi-node deadline, are missing from the result; that is
// logged rather than returned as an error.
func (c *Client) MultiGet(keys []string) (_ map[string][]byte, err error) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex

		ret = make(map[string][]byte, len(keys))
	)
	if len(keys) == 0 {
		return ret, nil
	}

	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("MultiGet", timerMethod, &err)

	if len(keys) == 1 {
		var res *Response
		res, err = c.Get(keys[0])
		if res != nil {
			if res.Status == SUCCESS {
				ret[keys[0]] = res.Body
			} else if res.Status == KEY_ENOENT {
				// MultiGet never returns a ENOENT
				err = nil
			}
		}
		return ret, err
	}

	// Wire keys carry the request; results are reported under the
	// caller's original keys. Two originals colliding on one wire key
	// resolve latest-wins, keeping the mapping single-valued.
	kt := c.getKeyTransformer()
	wireToOrig := make(map[string]string, len(keys))
	wireKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		wireKey := kt.Transform(key)
		if _, ok := wireToOrig[wireKey]; !ok {
			wireKeys = append(wireKeys, wireKey)
		}
		wireToOrig[wireKey] = key
	}

	addToRet := func(wireKey string, body []byte) {
		mu.Lock()
		defer mu.Unlock()
		ret[wireToOrig[wireKey]] = body
	}

	nodes, err := getNodesForKeys(c.hr, wireKeys)
	if err != nil {
		return ret, err
	}

	for node, ks := range nodes {
		wg.Add(1)
		go func(node any, keys []string) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				logger.Warnf("%s: MultiGet skipped node %s - %s", libPrefix, utils.Repr(node), nErr.Error())
				return
			}
			defer cn.condRelease(&cnErr)

			idToKey := make(map[uint32]string, len(keys))

			for _, key := range keys {
				opaqueGet := c.getOpaque()
				req := &Request{
					Opcode: GETQ,
					Opaque: opaqueGet,
					Key:    []byte(key),
				}
				req.prepareExtras(0, 0, 0)

				_, cnErr = transmitRequest(cn.wrtBuf, req)
				if cnErr != nil {
					cn.healthy = false
					return
				}

				idToKey[opaqueGet] = key
			}

			opaqueNOOP := c.getOpaque()
			req := &Request{
				Opcode: NOOP,
				Opaque: opaqueNOOP,
			}
			req.prepareExtras(0, 0, 0)

			_, cnErr = transmitRequest(cn.wrtBuf, req)
			if cnErr != nil {
				cn.healthy = false
				return
			}

			if cnErr = cn.wrtBuf.Flush(); err != nil {
				logger.Errorf("%s. %s", ErrServerError.Error(), cnErr.Error())
				return
			}

			for {
				var resp *Response
				resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
				if isFatal(cnErr) {
					cn.healthy = false
					return
				}

				if resp.Opcode == NOOP && resp.Opaque == opaqueNOOP {
					break
				}

				if key, ok := idToKey[resp.Opaque]; ok && cnErr == nil {
					addToRet(key, resp.Body)
				}
			}
		}(node, ks)
	}

	if !c.waitBounded(&wg) {
		logger.Warnf("%s: MultiGet did not complete within the multi-node deadline", libPrefix)
	}

	return ret, nil
}

// MultiStore is a batch version of Store.
// Writes the provided items with expiration.
func (c *Client) MultiStore(storeMode StoreMode, items map[string][]byte, exp uint32) (err error) {
	if len(items) == 0 {
		return nil
	}

	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("MultiStore", timerMethod, &err)

	var (
		wg       sync.WaitGroup
		muMErr   sync.Mutex
		multiErr error
	)

	addToMultiErr := func(e error) {
		muMErr.Lock()
		defer muMErr.Unlock()
		multiErr = errors.Join(multiErr, e)
	}

	kt := c.getKeyTransformer()
	wireItems := make(map[string][]byte, len(items))
	for key, body := range items {
		wireItems[kt.Transform(key)] = body
	}

	var muItems sync.RWMutex
	safeGetItems := func(key string) []byte {
		muItems.RLock()
		defer muItems.RUnlock()
		return wireItems[key]
	}

	quietCode := storeMode.Resolve().changeOnQuiet(SETQ)

	keys := maps.Keys(wireItems)
	nodes, err := getNodesForKeys(c.hr, keys)
	if err != nil {
		return err
	}

	for node, ks := range nodes {
		wg.Add(1)
		go func(node any, keys []string, exp uint32) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				addToMultiErr(nErr)
				return
			}
			defer cn.condRelease(&cnErr)

			idToKey := make(map[uint32]string, len(keys))

			for _, key := range keys {
				opaqueStore := c.getOpaque()
				req := &Request{
					Opcode: quietCode,
					Opaque: opaqueStore,
					Key:    []byte(key),
					Body:   safeGetItems(key),
				}
				req.prepareExtras(exp, 0, 0)

				_, cnErr = transmitRequest(cn.wrtBuf, req)
				if cnErr != nil {
					cn.healthy = false
					return
				}

				idToKey[opaqueStore] = key
			}

			opaqueNOOP := c.getOpaque()
			req := &Request{
				Opcode: NOOP,
				Opaque: opaqueNOOP,
			}
			req.prepareExtras(0, 0, 0)

			_, cnErr = transmitRequest(cn.wrtBuf, req)
			if cnErr != nil {
				cn.healthy = false
				return
			}

			if cnErr = cn.wrtBuf.Flush(); err != nil {
				logger.Errorf("%s. %s", ErrServerError.Error(), cnErr.Error())
				return
			}

			for {
				var resp *Response
				resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
				if isFatal(cnErr) {
					cn.healthy = false
					return
				}

				if resp.Opcode == NOOP && resp.Opaque == opaqueNOOP {
					break
				}

				if key, ok := idToKey[resp.Opaque]; ok {
					if resp.Status != SUCCESS {
						addToMultiErr(fmt.Errorf("%w. Error for key - %s", cnErr, key))
					}
				}
			}
		}(node, ks, exp)
	}

	if !c.waitBounded(&wg) {
		addToMultiErr(fmt.Errorf("%w: MultiStore did not complete within the multi-node deadline", ErrServerNotAvailable))
	}

	return multiErr
}

// MultiDelete is a batch version of Delete.
// Deletes the items with the provided keys.
// If there is a key in the provided keys that is missing in the cache,
// the ErrCacheMiss error is ignored.
func (c *Client) MultiDelete(keys []string) (err error) {
	if len(keys) == 0 {
		return nil
	}

	timerMethod := time.Now()
	defer c.writeMethodDiagnostics("MultiDelete", timerMethod, &err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		multiErr error
	)

	addToMultiErr := func(e error) {
		mu.Lock()
		defer mu.Unlock()
		multiErr = errors.Join(multiErr, e)
	}

	kt := c.getKeyTransformer()
	wireKeys := make([]string, len(keys))
	for i, key := range keys {
		wireKeys[i] = kt.Transform(key)
	}

	nodes, err := getNodesForKeys(c.hr, wireKeys)
	if err != nil {
		return err
	}

	for node, ks := range nodes {
		wg.Add(1)
		go func(node any, keys []string) {
			defer wg.Done()

			var cnErr error

			cn, nErr := c.getConnForNode(node)
			if nErr != nil {
				addToMultiErr(nErr)
				return
			}
			defer cn.condRelease(&cnErr)

			idToKey := make(map[uint32]string, len(keys))

			for _, key := range keys {
				opaqueDel := c.getOpaque()
				req := &Request{
					Opcode: DELETEQ,
					Opaque: opaqueDel,
					Key:    []byte(key),
				}
				req.prepareExtras(0, 0, 0)

				_, cnErr = transmitRequest(cn.wrtBuf, req)
				if cnErr != nil {
					cn.healthy = false
					return
				}

				idToKey[opaqueDel] = key
			}

			opaqueNOOP := c.getOpaque()
			req := &Request{
				Opcode: NOOP,
				Opaque: opaqueNOOP,
			}
			req.prepareExtras(0, 0, 0)

			_, cnErr = transmitRequest(cn.wrtBuf, req)
			if cnErr != nil {
				cn.healthy = false
				return
			}

			if cnErr = cn.wrtBuf.Flush(); err != nil {
				logger.Errorf("%s. %s", ErrServerError.Error(), cnErr.Error())
				return
			}

			for {
				var resp *Response
				resp, _, cnErr = getResponse(cn.rc, cn.hdrBuf)
				if isFatal(cnErr) {
					cn.healthy = false
					return
				}

				if resp.Opcode == NOOP && resp.Opaque == opaqueNOOP {
					break
				}

				if key, ok := idToKey[resp.Opaque]; ok {
					if resp.Status != SUCCESS && resp.Status != KEY_ENOENT {
						addToMultiErr(fmt.Errorf("%w. Error for key - %s", cnErr, key))
					}
				}
			}
		}(node, ks)
	}

	if !c.waitBounded(&wg) {
		addToMultiErr(fmt.Errorf("%w: MultiDelete did not complete within the multi-node deadline", ErrServerNotAvailable))
	}

	return multiErr
}

// CloseAllConns is close all opened connection per shards.
// Once closed, resources should be released.
func (c *Client) CloseAllConns() {
	c.fmu.Lock()
	defer c.fmu.Unlock()

	for addr, connPool := range c.freeConns {
		connPool.Destroy()
		delete(c.freeConns, addr)
	}
}

// CloseAvailableConnsInAllShardPools - removes the specified number of connections from the pools of all shards.
func (c *Client) CloseAvailableConnsInAllShardPools(numOfClose int) int {
	var closed int

	c.fmu.Lock()
	defer c.fmu.Unlock()

	for _, p := range c.freeConns {
		for i := 0; i < numOfClose; i++ {
			if connRaw, ok := p.Pop(); ok {
				p.Close(connRaw)
				closed++
			}
		}
	}

	return closed
}

func (c *Client) writeMethodDiagnostics(methodName string, timer time.Time, err *error) {
	if methodName == "" || c.disableMemcachedDiagnostic {
		return
	}

	observeMethodDurationSeconds(methodName, time.Since(timer).Seconds(), *err == nil)
}

// maxSaslSteps bounds the SASL_STEP loop against a server that never
// settles on a final status.
const maxSaslSteps = 10

// saslRoundTrip writes req and reads back the single response to it. The
// response is returned even when it carries a non-success status (e.g.
// FURTHER_AUTH), so the caller can read its body as the next challenge.
func (c *Client) saslRoundTrip(cn *conn, req *Request) (*Response, error) {
	if _, err := transmitRequest(cn.wrtBuf, req); err != nil {
		return nil, err
	}
	if err := cn.wrtBuf.Flush(); err != nil {
		return nil, err
	}
	resp, _, err := getResponse(cn.rc, cn.hdrBuf)
	return resp, err
}

// saslListMechanisms asks the server which SASL mechanisms it supports.
func (c *Client) saslListMechanisms(cn *conn) (string, error) {
	resp, err := c.saslRoundTrip(cn, &Request{Opcode: SASL_LIST_MECHS})
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// authenticate runs the binary protocol's SASL handshake: SaslList ->
// SaslAuth(mechanism, initial) -> a loop of SaslStep(response) until the
// server stops reporting FURTHER_AUTH.
func (c *Client) authenticate(cn *conn) (ok bool) {
	mechanisms, err := c.saslListMechanisms(cn)
	if err != nil {
		logger.Errorf("%s: sasl list mechanisms failed - %v", libPrefix, err)
		return false
	}
	if !strings.Contains(mechanisms, SaslMechanism) {
		logger.Warnf("%s: server did not advertise %s among its sasl mechanisms (%s)", libPrefix, SaslMechanism, mechanisms)
	}

	resp, err := c.saslRoundTrip(cn, &Request{Opcode: SASL_AUTH, Key: []byte(SaslMechanism), Body: c.authData})

	for i := 0; err != nil && errStatus(err) == FURTHER_AUTH && i < maxSaslSteps; i++ {
		resp, err = c.saslRoundTrip(cn, &Request{Opcode: SASL_STEP, Key: []byte(SaslMechanism), Body: resp.Body})
	}

	if err != nil {
		logger.Errorf("%s: sasl authentication failed - %v", libPrefix, err)
		return false
	}

	return true
}

func legalKey(key string) bool {
	if len(key) > 250 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

// getNodesForKeys return a map where key is a node and value is a suitable keys
func getNodesForKeys(hr consistenthash.ConsistentHash, keys []string) (map[any][]string, error) {
	resp := make(map[any][]string, hr.GetNodesCount())

	for _, key := range keys {
		if !legalKey(key) {
			return nil, fmt.Errorf("%w. Invalid key - %v", ErrMalformedKey, key)
		}
		if node, found := hr.Get(key); found {
			resp[node] = append(resp[node], key)
		}
	}

	return resp, nil
}
