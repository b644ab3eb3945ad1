package memcached

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalhost_TextDialect(t *testing.T) {
	t.Parallel()
	if _, err := net.Dial("tcp", localhostTCPAddr); err != nil {
		t.Skipf("skipping test; no server running at %s", localhostTCPAddr)
	}

	mc, err := newForTests(localhostTCPAddr)
	require.NoError(t, err)
	t.Cleanup(mc.CloseAllConns)
	mc.dialect = textDialect{}

	_, err = mc.Store(Set, "text-key", 0, []byte("hello"))
	require.NoError(t, err)

	resp, err := mc.Get("text-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Body)

	exists, err := mc.Exists("text-key")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = mc.Store(Set, "text-counter", 0, []byte("10"))
	require.NoError(t, err)

	newVal, err := mc.Delta(Increment, "text-counter", 5, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), newVal)

	_, err = mc.Append(Append, "text-key", []byte("!"))
	require.NoError(t, err)

	resp, err = mc.Get("text-key")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello!"), resp.Body)

	_, err = mc.Delete("text-key")
	require.NoError(t, err)
	_, err = mc.Delete("text-counter")
	require.NoError(t, err)

	exists, err = mc.Exists("text-key")
	require.NoError(t, err)
	assert.False(t, exists)

	stats, err := mc.Stats("")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Contains(t, stats, "ring")
	delete(stats, "ring")
	for _, kv := range stats {
		assert.NotEmpty(t, kv)
	}
}
