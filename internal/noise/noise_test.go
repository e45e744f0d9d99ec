package noise

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemap(t *testing.T) {
	assert.InDelta(t, 0.1, Remap(-1, 0.1, 0.4), 1e-9)
	assert.InDelta(t, 0.4, Remap(1, 0.1, 0.4), 1e-9)
	assert.InDelta(t, 0.0, Remap(0, -0.2, 0.2), 1e-9)

	// Значения за пределами [-1..1] обрезаются по амплитуде слоя
	assert.InDelta(t, 0.05, Remap(3, -0.05, 0.05), 1e-9)
	assert.InDelta(t, -0.05, Remap(-3, -0.05, 0.05), 1e-9)
}

func TestFieldDeterministic(t *testing.T) {
	a := NewField(DefaultLayers(), 100)
	b := NewField(DefaultLayers(), 100)

	for i := 0; i < 50; i++ {
		x, z := float64(i)*731.5, float64(i)*-211.25
		assert.Equal(t, a.HeightAt(x, z), b.HeightAt(x, z), "одинаковые слои должны давать одинаковые высоты")
	}
}

func TestFieldBounds(t *testing.T) {
	f := NewField([]Layer{
		{Frequency: 0.01, MinAmplitude: 0.6, MaxAmplitude: 0.9, Seed: 1},
		{Frequency: 0.03, MinAmplitude: 0.5, MaxAmplitude: 0.6, Seed: 2},
	}, 250)

	for i := 0; i < 200; i++ {
		h := f.HeightAt(float64(i)*13.7, float64(i)*7.1)
		assert.GreaterOrEqual(t, h, 0.0)
		assert.LessOrEqual(t, h, 250.0)
	}

	// Сумма слоёв всегда >= 1.1, после обрезки до 1 получаем ровно maxHeight
	assert.Equal(t, 250.0, f.HeightAt(123.4, -56.7))
}

func TestFieldNoLayers(t *testing.T) {
	f := NewField(nil, 100)
	assert.Equal(t, 0.0, f.HeightAt(10, 10))
}

func TestFieldConcurrentReads(t *testing.T) {
	f := NewField(DefaultLayers(), 100)
	want := f.HeightAt(5000, 9000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Equal(t, want, f.HeightAt(5000, 9000))
			}
		}()
	}
	wg.Wait()
}
