package terrain

import "github.com/annel0/terrain-streamer/internal/vec"

// ColorBand задаёт цвет поверхности с плавным смешиванием.
// Limits: [fade_low, solid_low, solid_high, fade_high]; вне [fade_low, fade_high] вес 0,
// между solid_low и solid_high вес 1, на краях линейный переход.
type ColorBand struct {
	Name         string     `yaml:"name,omitempty" json:"name,omitempty"`
	Color        [3]float32 `yaml:"color" json:"color"`
	SlopeLimits  [4]float32 `yaml:"slope_limits" json:"slope_limits"`
	HeightLimits [4]float32 `yaml:"height_limits" json:"height_limits"`
}

// DefaultFallbackColor используется, если ни одна полоса не дала веса (трава)
var DefaultFallbackColor = [3]float32{0.10, 0.60, 0.10}

// DefaultColorBands возвращает стандартный набор: песок, трава, камень, снег
func DefaultColorBands() []ColorBand {
	return []ColorBand{
		{
			// Песок: низины, пологие склоны
			Name:         "sand",
			Color:        [3]float32{0.7, 0.65, 0.45},
			SlopeLimits:  [4]float32{0.0, 0.0, 0.2, 0.35},
			HeightLimits: [4]float32{0.0, 0.0, 0.3, 0.32},
		},
		{
			// Трава: средние высоты
			Name:         "grass",
			Color:        [3]float32{0.10, 0.40, 0.10},
			SlopeLimits:  [4]float32{0.0, 0.0, 0.3, 0.4},
			HeightLimits: [4]float32{0.2, 0.3, 0.6, 0.7},
		},
		{
			// Камень: крутые склоны на любой высоте
			Name:         "rock",
			Color:        [3]float32{0.50, 0.50, 0.50},
			SlopeLimits:  [4]float32{0.3, 0.4, 1.0, 1.0},
			HeightLimits: [4]float32{0.0, 0.0, 1.0, 1.0},
		},
		{
			// Снег: вершины
			Name:         "snow",
			Color:        [3]float32{1.0, 1.0, 1.0},
			SlopeLimits:  [4]float32{0.0, 0.0, 1.0, 1.0},
			HeightLimits: [4]float32{0.8, 0.9, 1.0, 1.0},
		},
	}
}

// bandWeight возвращает вес полосы для значения v.
// Внешние границы l[0] и l[3] дают нулевой вес, даже если край нулевой ширины.
func bandWeight(v float32, l [4]float32) float32 {
	switch {
	case v <= l[0] || v >= l[3]:
		return 0
	case v < l[1]:
		return (v - l[0]) / (l[1] - l[0])
	case v <= l[2]:
		return 1
	default:
		return (l[3] - v) / (l[3] - l[2])
	}
}

// BlendColor смешивает полосы для вершины с уклоном slope и нормализованной высотой height.
// Итог: средневзвешенное по полосам с ненулевым весом (slope_w * height_w).
func BlendColor(bands []ColorBand, slope, height float32, fallback [3]float32) [4]float32 {
	var total float32
	var r, g, b float32
	for i := range bands {
		w := bandWeight(slope, bands[i].SlopeLimits) * bandWeight(height, bands[i].HeightLimits)
		if w <= 0 {
			continue
		}
		r += bands[i].Color[0] * w
		g += bands[i].Color[1] * w
		b += bands[i].Color[2] * w
		total += w
	}
	if total <= 0 {
		return [4]float32{fallback[0], fallback[1], fallback[2], 1}
	}
	return [4]float32{r / total, g / total, b / total, 1}
}

// debugPalette: палитра шахматной раскраски для отладки без вершинных цветов
var debugPalette = [4][3]float32{
	{0.87, 0.26, 0.22},
	{0.27, 0.77, 0.27},
	{0.32, 0.42, 0.83},
	{0.92, 0.75, 0.36},
}

// DebugColor возвращает цвет тайла по чётности координат: соседние тайлы всегда различаются
func DebugColor(c vec.Vec2) [4]float32 {
	idx := (c.X & 1) + ((c.Y & 1) << 1)
	p := debugPalette[idx]
	return [4]float32{p[0], p[1], p[2], 1}
}
