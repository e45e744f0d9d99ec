package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 128.0, cfg.Terrain.TileSize)
	assert.Equal(t, 129, cfg.Terrain.Resolution)
	assert.Equal(t, uint64(1), cfg.Terrain.CacheVersion)
	assert.Equal(t, 8, cfg.Streaming.ConcurrencyLimit)
	assert.Len(t, cfg.Terrain.NoiseLayers, 3)
	assert.Len(t, cfg.Terrain.ColorBands, 4)
	assert.Equal(t, UnloadImmediate, cfg.Streaming.EffectivePolicy())
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Terrain.TileSize = 0
	cfg.Terrain.Resolution = 1
	cfg.Terrain.GridMin = GridPoint{X: 5, Z: 0}
	cfg.Terrain.GridMax = GridPoint{X: 4, Z: 0}
	cfg.Streaming.ConcurrencyLimit = -1
	cfg.Streaming.GracePeriod = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 5)
}

func TestValidateLayersAndBands(t *testing.T) {
	tc := DefaultTerrain()
	tc.NoiseLayers[0].Frequency = 0
	tc.NoiseLayers[1].MinAmplitude = 1
	tc.NoiseLayers[1].MaxAmplitude = -1
	tc.ColorBands[0].SlopeLimits = [4]float32{0.5, 0.1, 0.2, 0.3}

	err := tc.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "noise_layers[0].frequency")
	assert.Contains(t, err.Error(), "noise_layers[1]: min_amplitude > max_amplitude")
	assert.Contains(t, err.Error(), "color_bands[0].slope_limits")
}

func TestStreamingPolicy(t *testing.T) {
	s := StreamingConfig{GracePeriod: time.Second}
	assert.Equal(t, UnloadGrace, s.EffectivePolicy())

	s.UnloadPolicy = UnloadImmediate
	assert.Equal(t, UnloadImmediate, s.EffectivePolicy())

	s.UnloadPolicy = "sometimes"
	assert.Error(t, s.Validate())

	assert.Equal(t, time.Second/30, StreamingConfig{}.TickInterval())
	assert.Equal(t, 100*time.Millisecond, StreamingConfig{TickRateHz: 10}.TickInterval())
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
terrain:
  tile_size: 64
  resolution: 33
  grid_min: {x: -2, z: -3}
  grid_max: {x: 2, z: 3}
  cache_version: 7
  noise_layers:
    - {frequency: 0.01, min_amplitude: 0, max_amplitude: 0.5, seed: 42}
streaming:
  concurrency_limit: 4
  unload_policy: grace
  grace_period: 1500ms
server:
  rest_port: 9100
nats:
  url: nats://localhost:4222
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 64.0, cfg.Terrain.TileSize)
	assert.Equal(t, 33, cfg.Terrain.Resolution)
	assert.Equal(t, uint64(7), cfg.Terrain.CacheVersion)
	assert.Equal(t, GridPoint{X: -2, Z: -3}, cfg.Terrain.GridMin)
	require.Len(t, cfg.Terrain.NoiseLayers, 1)
	assert.Equal(t, int64(42), cfg.Terrain.NoiseLayers[0].Seed)

	// Незаданные поля остаются значениями по умолчанию
	assert.Equal(t, 100.0, cfg.Terrain.MaxHeight)
	assert.Len(t, cfg.Terrain.ColorBands, 4)

	assert.Equal(t, 4, cfg.Streaming.ConcurrencyLimit)
	assert.Equal(t, UnloadGrace, cfg.Streaming.EffectivePolicy())
	assert.Equal(t, 1500*time.Millisecond, cfg.Streaming.GracePeriod)
	assert.Equal(t, 9100, cfg.Server.GetRESTPort())
	assert.True(t, cfg.NATS.Enabled())
	assert.Equal(t, "terrain.cache.version", cfg.NATS.Subject)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse([]byte("terrain:\n  tile_sise: 64\n"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := Parse([]byte("streaming:\n  concurrency_limit: many\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("semantic error", func(t *testing.T) {
		_, err := Parse([]byte("terrain:\n  resolution: 1\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "terrain.resolution")
	})

	t.Run("empty document", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terrain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streaming:\n  concurrency_limit: 2\n"), 0o644))

	t.Run("explicit path", func(t *testing.T) {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Streaming.ConcurrencyLimit)
	})

	t.Run("env path", func(t *testing.T) {
		t.Setenv("TERRAIN_CONFIG", path)
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Streaming.ConcurrencyLimit)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("TERRAIN_CONFIG", "")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Streaming.ConcurrencyLimit)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestRESTPortFallback(t *testing.T) {
	t.Setenv("TERRAIN_REST_PORT", "9200")
	assert.Equal(t, 9200, (&ServerConfig{}).GetRESTPort())
	assert.Equal(t, 9300, (&ServerConfig{RESTPort: 9300}).GetRESTPort())

	t.Setenv("TERRAIN_REST_PORT", "bogus")
	assert.Equal(t, 8088, (&ServerConfig{}).GetRESTPort())
}

func TestCloneIsDeep(t *testing.T) {
	orig := DefaultTerrain()
	cp := orig.Clone()
	cp.NoiseLayers[0].Seed = 99
	cp.ColorBands[0].Color = [3]float32{0, 0, 0}

	assert.Equal(t, int64(1234), orig.NoiseLayers[0].Seed)
	assert.NotEqual(t, [3]float32{0, 0, 0}, orig.ColorBands[0].Color)
}

func TestTerrainParams(t *testing.T) {
	tc := DefaultTerrain()
	tc.CacheVersion = 7
	p := tc.Params(nil)

	assert.Equal(t, 128.0, p.TileSize)
	assert.Equal(t, 129, p.Resolution)
	assert.Equal(t, uint64(7), p.Version)
	require.NotNil(t, p.Heights)

	// полосы цветов копируются, исходный снимок не меняется
	p.ColorBands[0].HeightLimits[0] = 42
	assert.NotEqual(t, float32(42), tc.ColorBands[0].HeightLimits[0])
}

func TestParseEventsStream(t *testing.T) {
	cfg, err := Parse([]byte("nats:\n  url: nats://127.0.0.1:4222\n  events_stream: TERRAIN_EVENTS\n  events_retention: 1h\n"))
	require.NoError(t, err)
	assert.True(t, cfg.NATS.Enabled())
	assert.Equal(t, "TERRAIN_EVENTS", cfg.NATS.EventsStream)
	assert.Equal(t, time.Hour, cfg.NATS.EventsRetention)
	assert.Equal(t, "terrain.cache.version", cfg.NATS.Subject)
}
