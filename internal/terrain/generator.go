package terrain

import (
	"github.com/annel0/terrain-streamer/internal/vec"
)

// HeightSampler: чистая детерминированная функция высоты heightAt(worldX, worldZ)
type HeightSampler interface {
	HeightAt(x, z float64) float64
}

// Params: неизменяемый снимок параметров генерации для одного задания.
// Воркер только читает его, поэтому один снимок можно разделять между заданиями.
type Params struct {
	TileSize     float64
	Resolution   int
	MaxHeight    float64
	Heights      HeightSampler
	VertexColors bool
	ColorBands   []ColorBand
	DefaultColor [3]float32
	Version      uint64
}

// Artifact: сгенерированное содержимое одного тайла, независимое от живого представления
type Artifact struct {
	Coord      vec.Vec2
	Origin     vec.Vec2Float
	Resolution int
	Step       float32
	Version    uint64

	Heights []float32    // R*R высот, строка за строкой (j внешний индекс)
	Normals [][3]float32 // Единичные нормали вершин
	Colors  [][4]float32 // RGBA вершин; nil, если цвета выключены
	Indices []uint32     // Два треугольника на клетку: (i0,i2,i1) и (i1,i2,i3)

	MinHeight float32
	MaxHeight float32
}

// VertexCount возвращает количество вершин
func (a *Artifact) VertexCount() int {
	return a.Resolution * a.Resolution
}

// SizeBytes оценивает объём данных артефакта в памяти
func (a *Artifact) SizeBytes() int {
	return len(a.Heights)*4 + len(a.Normals)*12 + len(a.Colors)*16 + len(a.Indices)*4
}

// Position возвращает локальную позицию вершины (i, j) внутри тайла
func (a *Artifact) Position(i, j int) vec.Vec3F {
	return vec.Vec3F{
		X: float32(i) * a.Step,
		Y: a.Heights[j*a.Resolution+i],
		Z: float32(j) * a.Step,
	}
}

// Generate строит артефакт тайла: сетку высот R×R, нормали, цвета и индексы.
// Функция чистая: читает только свои аргументы и выделяет собственный результат.
func Generate(coord vec.Vec2, origin vec.Vec2Float, p Params) *Artifact {
	n := p.Resolution
	if n < 2 {
		n = 2
	}
	step := p.TileSize / float64(n-1)

	a := &Artifact{
		Coord:      coord,
		Origin:     origin,
		Resolution: n,
		Step:       float32(step),
		Version:    p.Version,
		Heights:    make([]float32, n*n),
	}

	// 1) Высоты
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			var h float32
			if p.Heights != nil {
				h = float32(p.Heights.HeightAt(origin.X+float64(i)*step, origin.Y+float64(j)*step))
			}
			a.Heights[j*n+i] = h
			if (i == 0 && j == 0) || h < a.MinHeight {
				a.MinHeight = h
			}
			if (i == 0 && j == 0) || h > a.MaxHeight {
				a.MaxHeight = h
			}
		}
	}

	// 2) Индексы и нормали
	a.Indices, a.Normals = triangulate(a)

	// 3) Цвета по уклону и высоте
	if p.VertexColors {
		a.Colors = vertexColors(a, p)
	}

	return a
}

// triangulate строит индексы и накапливает нормали граней в вершинах.
// Нормаль грани (p2-p0) x (p1-p0) для плоского участка смотрит в +Y.
func triangulate(a *Artifact) ([]uint32, [][3]float32) {
	n := a.Resolution
	acc := make([]vec.Vec3F, n*n)

	for j := 0; j < n-1; j++ {
		for i := 0; i < n-1; i++ {
			i0 := j*n + i
			i1 := j*n + i + 1
			i2 := (j+1)*n + i
			i3 := (j+1)*n + i + 1

			p0 := a.Position(i, j)
			p1 := a.Position(i+1, j)
			p2 := a.Position(i, j+1)
			face := p2.Sub(p0).Cross(p1.Sub(p0)).NormalizedOrZero()

			acc[i0] = acc[i0].Add(face)
			acc[i1] = acc[i1].Add(face)
			acc[i2] = acc[i2].Add(face)
			acc[i3] = acc[i3].Add(face)
		}
	}

	normals := make([][3]float32, n*n)
	for idx, v := range acc {
		nv := v.NormalizedOrZero()
		if nv == (vec.Vec3F{}) {
			nv = vec.Vec3F{Y: 1}
		}
		normals[idx] = nv.Array()
	}
	return GridIndices(n), normals
}

// GridIndices возвращает индексы треугольников для сетки n×n вершин
func GridIndices(n int) []uint32 {
	if n < 2 {
		return nil
	}
	indices := make([]uint32, 0, (n-1)*(n-1)*6)
	for j := 0; j < n-1; j++ {
		for i := 0; i < n-1; i++ {
			i0 := uint32(j*n + i)
			i1 := i0 + 1
			i2 := uint32((j+1)*n + i)
			i3 := i2 + 1
			indices = append(indices, i0, i2, i1, i1, i2, i3)
		}
	}
	return indices
}

func vertexColors(a *Artifact, p Params) [][4]float32 {
	colors := make([][4]float32, len(a.Normals))
	for idx, nrm := range a.Normals {
		var height float32
		if p.MaxHeight > 0 {
			height = clamp01(a.Heights[idx] / float32(p.MaxHeight))
		}
		slope := 1 - clamp01(nrm[1])
		colors[idx] = BlendColor(p.ColorBands, slope, height, p.DefaultColor)
	}
	return colors
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
