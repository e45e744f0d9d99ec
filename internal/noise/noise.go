package noise

import (
	"math"

	"github.com/aquilax/go-perlin"
)

// Параметры генератора Перлина для одного слоя
const (
	DefaultAlpha   = 2.0 // Сглаживание шума между октавами
	DefaultBeta    = 2.0 // Множитель частоты между октавами
	DefaultOctaves = 1
)

// Layer описывает один слой шума высот.
// Значение шума [-1..1] переводится в диапазон [MinAmplitude..MaxAmplitude] и обрезается по нему.
type Layer struct {
	Frequency    float64 `yaml:"frequency" json:"frequency"`
	MinAmplitude float64 `yaml:"min_amplitude" json:"min_amplitude"`
	MaxAmplitude float64 `yaml:"max_amplitude" json:"max_amplitude"`
	Seed         int64   `yaml:"seed" json:"seed"`
	Octaves      int     `yaml:"octaves,omitempty" json:"octaves,omitempty"`
}

// DefaultLayers возвращает «равнинный» набор слоёв
func DefaultLayers() []Layer {
	return []Layer{
		{Frequency: 0.00015, MinAmplitude: 0.1, MaxAmplitude: 0.4, Seed: 1234},
		{Frequency: 0.00025, MinAmplitude: -0.2, MaxAmplitude: 0.2, Seed: 2345},
		{Frequency: 0.0005, MinAmplitude: -0.05, MaxAmplitude: 0.05, Seed: 4567},
	}
}

type sampler struct {
	layer  Layer
	perlin *perlin.Perlin
}

// Field: неизменяемая функция высоты heightAt(x, z).
// После создания только читается, поэтому безопасна для параллельных воркеров.
type Field struct {
	samplers  []sampler
	maxHeight float64
}

// NewField строит поле высот из слоёв. Генераторы Перлина создаются один раз здесь.
func NewField(layers []Layer, maxHeight float64) *Field {
	f := &Field{
		samplers:  make([]sampler, 0, len(layers)),
		maxHeight: maxHeight,
	}
	for _, l := range layers {
		octaves := l.Octaves
		if octaves <= 0 {
			octaves = DefaultOctaves
		}
		f.samplers = append(f.samplers, sampler{
			layer:  l,
			perlin: perlin.NewPerlin(DefaultAlpha, DefaultBeta, int32(octaves), l.Seed),
		})
	}
	return f
}

// MaxHeight возвращает масштаб высоты поля
func (f *Field) MaxHeight() float64 {
	return f.maxHeight
}

// HeightAt возвращает высоту в мировой точке: сумма слоёв, обрезанная до [0..1], умноженная на maxHeight
func (f *Field) HeightAt(x, z float64) float64 {
	var sum float64
	for i := range f.samplers {
		sum += f.samplers[i].sample(x, z)
	}
	return clamp(sum, 0, 1) * f.maxHeight
}

// sample возвращает вклад одного слоя в диапазоне его амплитуды
func (s *sampler) sample(x, z float64) float64 {
	n := s.perlin.Noise2D(x*s.layer.Frequency, z*s.layer.Frequency)
	return Remap(n, s.layer.MinAmplitude, s.layer.MaxAmplitude)
}

// Remap переводит значение шума из [-1..1] в [min..max] с обрезкой по краям
func Remap(n, min, max float64) float64 {
	if math.IsNaN(n) {
		n = 0
	}
	v := (n+1)*(max-min)/2 + min
	return clamp(v, min, max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
