package vec

import (
	"fmt"
	"math"
)

// Vec2 представляет целочисленную координату тайла в сетке.
// X соответствует мировой оси X, а Y мировой оси Z.
type Vec2 struct {
	X, Y int
}

// WorldToGrid переводит горизонтальную мировую позицию в координату тайла.
// Используется деление с округлением вниз, поэтому -0.5 попадает в тайл -1.
func WorldToGrid(p Vec2Float, tileSize float64) Vec2 {
	return Vec2{
		X: int(math.Floor(p.X / tileSize)),
		Y: int(math.Floor(p.Y / tileSize)),
	}
}

// Add складывает две координаты
func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{X: v.X + other.X, Y: v.Y + other.Y}
}

// Sub вычитает координату
func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{X: v.X - other.X, Y: v.Y - other.Y}
}

// DistanceSq возвращает квадрат евклидова расстояния в клетках сетки
func (v Vec2) DistanceSq(other Vec2) int {
	dx := v.X - other.X
	dy := v.Y - other.Y
	return dx*dx + dy*dy
}

// DistanceTo вычисляет расстояние до другой точки
func (v Vec2) DistanceTo(other Vec2) float64 {
	return math.Sqrt(float64(v.DistanceSq(other)))
}

// Within проверяет, лежит ли координата в прямоугольнике [min, max] включительно
func (v Vec2) Within(min, max Vec2) bool {
	return v.X >= min.X && v.X <= max.X && v.Y >= min.Y && v.Y <= max.Y
}

// Less задаёт детерминированный порядок координат (сначала X, затем Y)
func (v Vec2) Less(other Vec2) bool {
	if v.X != other.X {
		return v.X < other.X
	}
	return v.Y < other.Y
}

// Origin возвращает мировую позицию угла тайла
func (v Vec2) Origin(tileSize float64) Vec2Float {
	return Vec2Float{X: float64(v.X) * tileSize, Y: float64(v.Y) * tileSize}
}

func (v Vec2) String() string {
	return fmt.Sprintf("(%d,%d)", v.X, v.Y)
}

// Neighborhood возвращает все координаты на расстоянии Чебышёва не больше radius.
// Отрицательный радиус даёт пустой результат.
func Neighborhood(center Vec2, radius int) []Vec2 {
	if radius < 0 {
		return nil
	}
	side := 2*radius + 1
	out := make([]Vec2, 0, side*side)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			out = append(out, Vec2{X: center.X + dx, Y: center.Y + dy})
		}
	}
	return out
}

// NeighborhoodWithin работает как Neighborhood, но сразу отсекает координаты вне [min, max].
// Перебираются только пересекающиеся диапазоны, так что большой радиус у края мира дешёвый.
func NeighborhoodWithin(center Vec2, radius int, min, max Vec2) []Vec2 {
	if radius < 0 {
		return nil
	}
	x0, x1 := clampRange(subSat(center.X, radius), addSat(center.X, radius), min.X, max.X)
	y0, y1 := clampRange(subSat(center.Y, radius), addSat(center.Y, radius), min.Y, max.Y)
	if x0 > x1 || y0 > y1 {
		return nil
	}
	out := make([]Vec2, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, Vec2{X: x, Y: y})
		}
	}
	return out
}

// addSat и subSat складывают с насыщением, r >= 0
func addSat(a, r int) int {
	if a > math.MaxInt-r {
		return math.MaxInt
	}
	return a + r
}

func subSat(a, r int) int {
	if a < math.MinInt+r {
		return math.MinInt
	}
	return a - r
}

func clampRange(lo, hi, min, max int) (int, int) {
	if lo < min {
		lo = min
	}
	if hi > max {
		hi = max
	}
	return lo, hi
}
