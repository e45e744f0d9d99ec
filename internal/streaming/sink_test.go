package streaming

import (
	"testing"

	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	a := &terrain.Artifact{Resolution: 3, Version: 2, MinHeight: 1, MaxHeight: 4}

	h1 := s.Spawn(vec.Vec2{X: 1}, a)
	h2 := s.Spawn(vec.Vec2{X: -1}, nil)
	require.Equal(t, 2, s.Count())

	live := s.Live()
	assert.Equal(t, vec.Vec2{X: -1}, live[0].Coord)
	assert.Equal(t, 9, live[1].Vertices)
	assert.Equal(t, uint64(2), live[1].Version)

	s.Despawn(h1)
	s.Despawn(h1)
	s.Despawn("foreign")
	assert.Equal(t, 1, s.Count())

	s.Despawn(h2)
	spawned, despawned := s.Totals()
	assert.Equal(t, int64(2), spawned)
	assert.Equal(t, int64(2), despawned)
}
