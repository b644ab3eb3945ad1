package memcached

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	body []byte
	cas  uint64
}

// fakeServer speaks enough of the binary protocol in-memory to exercise
// the client's store/get/CAS/multi-get paths without a live memcached.
// Every dial hands the client one end of a net.Pipe; the other end is
// served by a goroutine that decodes Request frames and answers them
// from a shared item map.
type fakeServer struct {
	mu    sync.Mutex
	items map[string]fakeItem
	cas   uint64
}

func newFakeServer() *fakeServer {
	return &fakeServer{items: make(map[string]fakeItem)}
}

func (s *fakeServer) dial(_, _ string, _ time.Duration) (net.Conn, error) {
	client, server := net.Pipe()
	go s.serve(server)
	return client, nil
}

func (s *fakeServer) serve(nc net.Conn) {
	defer nc.Close()

	// Responses are written from their own goroutine so a pipelined
	// batch (GETQ... NOOP) can be fully consumed while earlier replies
	// are still waiting for the client to read them.
	out := make(chan *Response, 64)
	go func() {
		for resp := range out {
			if _, err := resp.Transmit(nc); err != nil {
				return
			}
		}
	}()

	hdr := make([]byte, HDR_LEN)
	for {
		req := &Request{}
		if _, err := req.Receive(nc, hdr); err != nil {
			close(out)
			return
		}
		if resp := s.handle(req); resp != nil {
			resp.Opcode = req.Opcode
			resp.Opaque = req.Opaque
			out <- resp
		}
	}
}

func (s *fakeServer) handle(req *Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(req.Key)
	switch req.Opcode {
	case GET:
		it, ok := s.items[key]
		if !ok {
			return &Response{Status: KEY_ENOENT}
		}
		return &Response{Status: SUCCESS, Cas: it.cas, Extras: make([]byte, 4), Body: it.body}
	case GETQ:
		// Quiet get: misses produce no reply at all.
		it, ok := s.items[key]
		if !ok {
			return nil
		}
		return &Response{Status: SUCCESS, Cas: it.cas, Extras: make([]byte, 4), Body: it.body}
	case SET:
		it, ok := s.items[key]
		if req.Cas != 0 {
			if !ok {
				return &Response{Status: KEY_ENOENT}
			}
			if it.cas != req.Cas {
				return &Response{Status: KEY_EEXISTS, Cas: it.cas}
			}
		}
		s.cas++
		s.items[key] = fakeItem{body: req.Body, cas: s.cas}
		return &Response{Status: SUCCESS, Cas: s.cas}
	case ADD:
		if _, ok := s.items[key]; ok {
			return &Response{Status: KEY_EEXISTS}
		}
		s.cas++
		s.items[key] = fakeItem{body: req.Body, cas: s.cas}
		return &Response{Status: SUCCESS, Cas: s.cas}
	case SETQ:
		// Quiet set: success produces no reply.
		s.cas++
		s.items[key] = fakeItem{body: req.Body, cas: s.cas}
		return nil
	case DELETE:
		if _, ok := s.items[key]; !ok {
			return &Response{Status: KEY_ENOENT}
		}
		delete(s.items, key)
		return &Response{Status: SUCCESS}
	case DELETEQ:
		// Quiet delete: neither success nor a miss produces a reply.
		delete(s.items, key)
		return nil
	case NOOP:
		return &Response{Status: SUCCESS}
	default:
		return &Response{Status: UNKNOWN_COMMAND}
	}
}

func newFakeClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()

	srv := newFakeServer()
	mc, err := newForTests("127.0.0.1:11299")
	require.NoError(t, err)
	mc.nw = &network{dialTimeout: srv.dial}
	t.Cleanup(mc.CloseAllConns)

	return mc, srv
}

func TestCas_MatchingCasSucceeds(t *testing.T) {
	mc, _ := newFakeClient(t)

	stored, err := mc.Store(Set, "k", 0, []byte("a"))
	require.NoError(t, err)
	require.NotZero(t, stored.Cas)

	resp, err := mc.Cas("k", 0, stored.Cas, []byte("b"))
	require.NoError(t, err)
	assert.Greater(t, resp.Cas, stored.Cas)

	got, err := mc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.Body)
	assert.Equal(t, resp.Cas, got.Cas)
}

func TestCas_ConflictSurfacesCurrentCas(t *testing.T) {
	mc, _ := newFakeClient(t)

	first, err := mc.Store(Set, "k", 0, []byte("a"))
	require.NoError(t, err)

	second, err := mc.Store(Set, "k", 0, []byte("b"))
	require.NoError(t, err)
	require.Greater(t, second.Cas, first.Cas)

	resp, err := mc.Cas("k", 0, first.Cas, []byte("c"))
	require.ErrorIs(t, err, ErrCASConflict)
	require.NotNil(t, resp, "conflict response should be returned alongside the error")
	assert.Equal(t, KEY_EEXISTS, resp.Status)
	assert.Equal(t, second.Cas, resp.Cas, "conflict response should carry the server's current CAS")

	got, err := mc.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got.Body, "conflicting write must not be applied")
	assert.Equal(t, second.Cas, got.Cas)
}

func TestStore_CasIncreasesPerWrite(t *testing.T) {
	mc, _ := newFakeClient(t)

	var last uint64
	for i := 0; i < 3; i++ {
		resp, err := mc.Store(Set, "counter-key", 0, []byte{byte(i)})
		require.NoError(t, err)
		require.Greater(t, resp.Cas, last)
		last = resp.Cas
	}
}

type prefixKeyTransformer struct{ prefix string }

func (p prefixKeyTransformer) Transform(key string) string { return p.prefix + key }

func TestMultiGet_AppliesKeyTransformer(t *testing.T) {
	mc, _ := newFakeClient(t)
	mc.keyTransformer = prefixKeyTransformer{prefix: "t:"}

	_, err := mc.Store(Set, "alpha", 0, []byte("1"))
	require.NoError(t, err)
	_, err = mc.Store(Set, "beta", 0, []byte("2"))
	require.NoError(t, err)

	got, err := mc.MultiGet([]string{"alpha", "beta", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"alpha": []byte("1"),
		"beta":  []byte("2"),
	}, got, "results should be keyed by the caller's original keys")
}

func TestMultiDelete_AppliesKeyTransformer(t *testing.T) {
	mc, srv := newFakeClient(t)
	mc.keyTransformer = prefixKeyTransformer{prefix: "t:"}

	_, err := mc.Store(Set, "alpha", 0, []byte("1"))
	require.NoError(t, err)

	require.NoError(t, mc.MultiDelete([]string{"alpha"}))

	srv.mu.Lock()
	_, ok := srv.items["t:alpha"]
	srv.mu.Unlock()
	assert.False(t, ok, "MultiDelete should address the same wire key Store wrote")
}
