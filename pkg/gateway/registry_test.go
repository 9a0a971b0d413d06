package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(id string, connectedAt time.Time, runs int) *Client {
	return &Client{ID: id, ConnectedAt: connectedAt, lastActivity: connectedAt, activeRuns: runs}
}

func TestClientSet(t *testing.T) {
	now := time.Now()
	set := newClientSet()

	assert.Equal(t, 1, set.add(testClient("b", now, 2)))
	assert.Equal(t, 2, set.add(testClient("a", now.Add(-time.Minute), 1)))

	c, ok := set.get("a")
	require.True(t, ok)
	assert.Equal(t, "a", c.ID)

	infos := set.infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.Equal(t, "b", infos[1].ID)
	assert.Equal(t, 3, set.activeRuns())

	assert.True(t, set.remove("a"))
	assert.False(t, set.remove("a"))
	_, ok = set.get("a")
	assert.False(t, ok)

	drained := set.drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "b", drained[0].ID)
	assert.Empty(t, set.infos())
}

func TestClientInfo_Idle(t *testing.T) {
	old := time.Now().Add(-10 * time.Minute)
	set := newClientSet()
	set.add(testClient("stale", old, 0))

	infos := set.infos()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Idle)
}
