package pollnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableConn(fd int) *conn {
	return newConn(fd, &fakeSocket{}, "test", NewLengthPrefixCodec(16), worldHandler, NopLogger(), &counters{})
}

func TestConnTable_InsertLookupRelease(t *testing.T) {
	table := newConnTable()
	c := tableConn(5)

	require.True(t, table.insert(c))
	assert.NotZero(t, c.generation)
	assert.Equal(t, 1, table.len())

	got, ok := table.lookup(5, c.generation)
	require.True(t, ok)
	assert.Same(t, c, got)

	require.True(t, table.release(5, c.generation))
	assert.Zero(t, table.len())

	_, ok = table.lookup(5, c.generation)
	assert.False(t, ok)
}

func TestConnTable_RefusesLiveDescriptor(t *testing.T) {
	table := newConnTable()
	first := tableConn(5)
	require.True(t, table.insert(first))

	assert.False(t, table.insert(tableConn(5)))

	got, ok := table.lookup(5, first.generation)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestConnTable_ReusedDescriptorGetsNewGeneration(t *testing.T) {
	table := newConnTable()
	old := tableConn(5)
	require.True(t, table.insert(old))
	require.True(t, table.release(5, old.generation))

	reused := tableConn(5)
	require.True(t, table.insert(reused))
	assert.NotEqual(t, old.generation, reused.generation)

	// A poll entry taken before the reuse must not reach the new connection.
	_, ok := table.lookup(5, old.generation)
	assert.False(t, ok)
	assert.False(t, table.release(5, old.generation))

	got, ok := table.lookup(5, reused.generation)
	require.True(t, ok)
	assert.Same(t, reused, got)
}

func TestConnTable_Each(t *testing.T) {
	table := newConnTable()
	for fd := 3; fd < 8; fd++ {
		require.True(t, table.insert(tableConn(fd)))
	}

	seen := make(map[int]bool)
	table.each(func(c *conn) {
		seen[c.fd] = true
	})
	assert.Len(t, seen, 5)
}
