package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/annel0/terrain-streamer/internal/config"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenAndInfo(t *testing.T) {
	tc := config.DefaultTerrain()
	tc.Resolution = 17
	path := filepath.Join(t.TempDir(), "tile.tta")

	var out bytes.Buffer
	require.NoError(t, genTile(&out, tc, vec.Vec2{X: 2, Y: -3}, path))
	assert.Contains(t, out.String(), "res=17")

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	a, err := terrain.Unpack(blob)
	require.NoError(t, err)
	assert.Equal(t, vec.Vec2{X: 2, Y: -3}, a.Coord)
	assert.Equal(t, vec.Vec2Float{X: 256, Y: -384}, a.Origin)

	out.Reset()
	require.NoError(t, showInfo(&out, path))
	assert.Contains(t, out.String(), "289 vertices")
	assert.Contains(t, out.String(), "512 triangles")
}

func TestGenRejectsInvalidTerrain(t *testing.T) {
	tc := config.DefaultTerrain()
	tc.Resolution = 1
	err := genTile(&bytes.Buffer{}, tc, vec.Vec2{}, filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestInfoErrors(t *testing.T) {
	assert.Error(t, showInfo(&bytes.Buffer{}, ""))

	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
	assert.ErrorIs(t, showInfo(&bytes.Buffer{}, path), terrain.ErrBadBlob)
}

func TestParseStringList(t *testing.T) {
	assert.Nil(t, parseStringList(""))
	assert.Equal(t, []string{"tile.spawned", "tile.evicted"}, parseStringList(" tile.spawned, ,tile.evicted"))
}
