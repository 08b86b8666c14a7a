package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry_Runs(t *testing.T) {
	registry := NewClientRegistry()
	registry.Add(&Client{ID: "c1", ConnectedAt: time.Now(), LastActivity: time.Now()})

	registry.BeginRun("c1", "s2")
	registry.BeginRun("c1", "s1")
	registry.BeginRun("unknown", "s3")
	registry.BeginRun("c1", "")

	assert.Equal(t, []string{"s1", "s2"}, registry.Runs("c1"))
	assert.Empty(t, registry.Runs("unknown"))

	registry.EndRun("c1", "s2")
	assert.Equal(t, []string{"s1"}, registry.Runs("c1"))

	infos := registry.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"s1"}, infos[0].Runs)

	assert.Equal(t, []string{"s1"}, registry.Remove("c1"))
	assert.Equal(t, 0, registry.Count())
	assert.Empty(t, registry.Runs("c1"))
}

func TestClientRegistry_Snapshot(t *testing.T) {
	registry := NewClientRegistry()
	now := time.Now()
	registry.Add(&Client{ID: "late", ConnectedAt: now, LastActivity: now})
	registry.Add(&Client{ID: "early", ConnectedAt: now.Add(-time.Hour), LastActivity: now.Add(-time.Hour), Authenticated: true})

	infos := registry.Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "early", infos[0].ID)
	assert.True(t, infos[0].Idle)
	assert.True(t, infos[0].Authenticated)
	assert.Equal(t, "late", infos[1].ID)
	assert.False(t, infos[1].Idle)

	assert.Len(t, registry.Authenticated(), 1)
}
