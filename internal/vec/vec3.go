package vec

import "math"

// Vec3F представляет трехмерный вектор float32 (позиции и нормали вершин)
type Vec3F struct {
	X, Y, Z float32
}

// Add складывает два вектора
func (v Vec3F) Add(other Vec3F) Vec3F {
	return Vec3F{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub вычитает вектор
func (v Vec3F) Sub(other Vec3F) Vec3F {
	return Vec3F{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale умножает вектор на скаляр
func (v Vec3F) Scale(s float32) Vec3F {
	return Vec3F{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Cross возвращает векторное произведение
func (v Vec3F) Cross(other Vec3F) Vec3F {
	return Vec3F{
		X: v.Y*other.Z - v.Z*other.Y,
		Y: v.Z*other.X - v.X*other.Z,
		Z: v.X*other.Y - v.Y*other.X,
	}
}

// Length возвращает длину вектора
func (v Vec3F) Length() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// NormalizedOrZero возвращает единичный вектор или нулевой, если длина равна нулю
func (v Vec3F) NormalizedOrZero() Vec3F {
	l := v.Length()
	if l == 0 || math.IsNaN(float64(l)) || math.IsInf(float64(l), 0) {
		return Vec3F{}
	}
	return v.Scale(1 / l)
}

// Array возвращает компоненты в виде массива
func (v Vec3F) Array() [3]float32 {
	return [3]float32{v.X, v.Y, v.Z}
}
