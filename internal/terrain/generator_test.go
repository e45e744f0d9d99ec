package terrain

import (
	"sync"
	"testing"

	"github.com/annel0/terrain-streamer/internal/noise"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flatSampler float64

func (f flatSampler) HeightAt(x, z float64) float64 { return float64(f) }

// rampSampler поднимается вдоль X: h = x
type rampSampler struct{}

func (rampSampler) HeightAt(x, z float64) float64 { return x }

func TestGenerateFlat(t *testing.T) {
	a := Generate(vec.Vec2{X: 2, Y: -1}, vec.Vec2Float{X: 256, Y: -128}, Params{
		TileSize:   128,
		Resolution: 5,
		MaxHeight:  100,
		Heights:    flatSampler(7),
	})

	require.Equal(t, 5, a.Resolution)
	assert.Equal(t, 25, a.VertexCount())
	assert.Len(t, a.Heights, 25)
	assert.Len(t, a.Normals, 25)
	assert.Len(t, a.Indices, 4*4*6)
	assert.Nil(t, a.Colors)
	assert.InDelta(t, 32.0, a.Step, 1e-6)
	assert.Equal(t, float32(7), a.MinHeight)
	assert.Equal(t, float32(7), a.MaxHeight)

	for i, n := range a.Normals {
		assert.InDelta(t, 0, n[0], 1e-6, "vertex %d", i)
		assert.InDelta(t, 1, n[1], 1e-6, "vertex %d", i)
		assert.InDelta(t, 0, n[2], 1e-6, "vertex %d", i)
	}

	// Последняя вершина лежит в дальнем углу тайла
	last := a.Position(4, 4)
	assert.InDelta(t, 128, last.X, 1e-4)
	assert.InDelta(t, 128, last.Z, 1e-4)
}

func TestGenerateWinding(t *testing.T) {
	a := Generate(vec.Vec2{}, vec.Vec2Float{}, Params{TileSize: 1, Resolution: 2, Heights: flatSampler(0)})
	assert.Equal(t, []uint32{0, 2, 1, 1, 2, 3}, a.Indices)
}

func TestGenerateMinimumResolution(t *testing.T) {
	a := Generate(vec.Vec2{}, vec.Vec2Float{}, Params{TileSize: 10, Resolution: 1})
	assert.Equal(t, 2, a.Resolution)
	assert.Len(t, a.Heights, 4)
	assert.Equal(t, float32(0), a.MaxHeight)
}

func TestGenerateSamplesWorldPositions(t *testing.T) {
	a := Generate(vec.Vec2{X: 1}, vec.Vec2Float{X: 100, Y: 0}, Params{
		TileSize:   10,
		Resolution: 3,
		Heights:    rampSampler{},
	})

	// Высота равна мировой X: 100, 105, 110 в каждой строке
	for j := 0; j < 3; j++ {
		assert.Equal(t, float32(100), a.Heights[j*3+0])
		assert.Equal(t, float32(105), a.Heights[j*3+1])
		assert.Equal(t, float32(110), a.Heights[j*3+2])
	}

	// Уклон 45° вдоль X: нормаль (-1, 1, 0)/sqrt(2)
	n := a.Normals[4]
	assert.InDelta(t, -0.7071, n[0], 1e-3)
	assert.InDelta(t, 0.7071, n[1], 1e-3)
	assert.InDelta(t, 0, n[2], 1e-6)
}

func TestGenerateColors(t *testing.T) {
	bands := []ColorBand{{
		Color:        [3]float32{1, 0, 0},
		SlopeLimits:  [4]float32{-1, -1, 0.1, 0.2},
		HeightLimits: [4]float32{0, 0, 1, 1},
	}}

	t.Run("flat matches band", func(t *testing.T) {
		a := Generate(vec.Vec2{}, vec.Vec2Float{}, Params{
			TileSize: 4, Resolution: 3, MaxHeight: 10, Heights: flatSampler(5),
			VertexColors: true, ColorBands: bands, DefaultColor: DefaultFallbackColor,
		})
		require.Len(t, a.Colors, 9)
		for _, c := range a.Colors {
			assert.Equal(t, [4]float32{1, 0, 0, 1}, c)
		}
	})

	t.Run("steep falls back", func(t *testing.T) {
		a := Generate(vec.Vec2{}, vec.Vec2Float{}, Params{
			TileSize: 4, Resolution: 3, MaxHeight: 10, Heights: rampSampler{},
			VertexColors: true, ColorBands: bands, DefaultColor: DefaultFallbackColor,
		})
		assert.Equal(t, [4]float32{0.10, 0.60, 0.10, 1}, a.Colors[4])
	})
}

func TestBandWeight(t *testing.T) {
	l := [4]float32{0.2, 0.4, 0.6, 0.8}

	assert.Equal(t, float32(0), bandWeight(0.1, l))
	assert.InDelta(t, 0.5, bandWeight(0.3, l), 1e-6)
	assert.Equal(t, float32(1), bandWeight(0.5, l))
	assert.InDelta(t, 0.5, bandWeight(0.7, l), 1e-6)
	assert.Equal(t, float32(0), bandWeight(0.9, l))

	t.Run("outer limits are excluded", func(t *testing.T) {
		sharp := [4]float32{0, 0, 1, 1}
		assert.Equal(t, float32(0), bandWeight(0, sharp))
		assert.Equal(t, float32(1), bandWeight(0.5, sharp))
		assert.Equal(t, float32(0), bandWeight(1, sharp))
		assert.Equal(t, float32(0), bandWeight(0.2, l))
		assert.Equal(t, float32(0), bandWeight(0.8, l))
	})
}

func TestBlendColorAverages(t *testing.T) {
	bands := []ColorBand{
		{Color: [3]float32{1, 0, 0}, SlopeLimits: [4]float32{0, 0, 1, 1}, HeightLimits: [4]float32{0, 0, 1, 1}},
		{Color: [3]float32{0, 0, 1}, SlopeLimits: [4]float32{0, 0, 1, 1}, HeightLimits: [4]float32{0, 0, 1, 1}},
	}
	c := BlendColor(bands, 0.5, 0.5, DefaultFallbackColor)
	assert.InDelta(t, 0.5, c[0], 1e-6)
	assert.InDelta(t, 0, c[1], 1e-6)
	assert.InDelta(t, 0.5, c[2], 1e-6)
	assert.Equal(t, float32(1), c[3])

	assert.Equal(t, [4]float32{0.1, 0.6, 0.1, 1}, BlendColor(nil, 0, 0, DefaultFallbackColor))
}

func TestBlendColorClampedExtremes(t *testing.T) {
	// плоская земля на нулевой высоте и плоская вершина на максимуме
	grass := [4]float32{0.10, 0.60, 0.10, 1}
	assert.Equal(t, grass, BlendColor(DefaultColorBands(), 0, 0, DefaultFallbackColor))
	assert.Equal(t, grass, BlendColor(DefaultColorBands(), 0, 1, DefaultFallbackColor))
}

func TestGenerateParallelDeterministic(t *testing.T) {
	field := noise.NewField(noise.DefaultLayers(), 100)
	params := Params{
		TileSize: 128, Resolution: 17, MaxHeight: 100, Heights: field,
		VertexColors: true, ColorBands: DefaultColorBands(), DefaultColor: DefaultFallbackColor,
	}
	coord := vec.Vec2{X: 3, Y: -4}
	origin := coord.Origin(128)
	want := Generate(coord, origin, params)

	var wg sync.WaitGroup
	results := make([]*Artifact, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Generate(coord, origin, params)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestDebugColor(t *testing.T) {
	base := DebugColor(vec.Vec2{X: 0, Y: 0})
	assert.NotEqual(t, base, DebugColor(vec.Vec2{X: 1, Y: 0}))
	assert.NotEqual(t, base, DebugColor(vec.Vec2{X: 0, Y: 1}))
	assert.Equal(t, base, DebugColor(vec.Vec2{X: 2, Y: -2}))
	assert.Equal(t, DebugColor(vec.Vec2{X: 1, Y: 1}), DebugColor(vec.Vec2{X: -1, Y: -1}))
}
