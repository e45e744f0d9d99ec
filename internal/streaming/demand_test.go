package streaming

import (
	"math"
	"testing"

	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/stretchr/testify/assert"
)

func TestDemandTracker(t *testing.T) {
	tracker := NewDemandTracker(testTileSize, vec.Vec2{X: -2, Y: -2}, vec.Vec2{X: 2, Y: 2})

	t.Run("no observers", func(t *testing.T) {
		d := tracker.Desired(nil)
		assert.Equal(t, 0, d.Len())
		assert.Equal(t, math.MaxInt, d.MinDistanceSq(vec.Vec2{}))
	})

	t.Run("overlapping footprints dedupe", func(t *testing.T) {
		d := tracker.Desired([]Observer{at(vec.Vec2{}, 1), at(vec.Vec2{X: 1}, 1)})
		assert.Equal(t, 12, d.Len())
		assert.Len(t, d.Centers, 2)
	})

	t.Run("clipped to bounds", func(t *testing.T) {
		d := tracker.Desired([]Observer{at(vec.Vec2{X: 2, Y: 2}, 3)})
		assert.Equal(t, 16, d.Len())
		min, max := tracker.Bounds()
		for c := range d.Desired {
			assert.True(t, c.Within(min, max), "%s out of bounds", c)
		}
	})

	t.Run("observer outside the world still ranks distance", func(t *testing.T) {
		d := tracker.Desired([]Observer{at(vec.Vec2{X: 10}, 1)})
		assert.Equal(t, 0, d.Len())
		assert.Equal(t, 64, d.MinDistanceSq(vec.Vec2{X: 2}))
	})

	t.Run("negative radius contributes nothing", func(t *testing.T) {
		d := tracker.Desired([]Observer{at(vec.Vec2{}, -1)})
		assert.Equal(t, 0, d.Len())
		assert.Empty(t, d.Centers)
	})

	t.Run("world position floors into tiles", func(t *testing.T) {
		d := tracker.Desired([]Observer{{Position: vec.Vec2Float{X: -0.5, Y: 127.9}, Radius: 0}})
		assert.Equal(t, []vec.Vec2{{X: -1, Y: 0}}, d.Sorted())
	})
}

func TestDemandMinDistance(t *testing.T) {
	d := Demand{Centers: []vec.Vec2{{X: 0, Y: 0}, {X: 10, Y: 0}}}
	assert.Equal(t, 2, d.MinDistanceSq(vec.Vec2{X: 1, Y: 1}))
	assert.Equal(t, 1, d.MinDistanceSq(vec.Vec2{X: 9, Y: 0}))
}
