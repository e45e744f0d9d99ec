package streaming

import (
	"math"
	"sort"

	"github.com/annel0/terrain-streamer/internal/vec"
)

// Observer: внешняя сущность с мировой позицией (x, z) и радиусом спроса в тайлах
type Observer struct {
	ID       string        `json:"id"`
	Position vec.Vec2Float `json:"position"`
	Radius   int           `json:"radius"`
}

// Demand: желаемое множество координат на текущий тик и координаты наблюдателей
type Demand struct {
	Desired map[vec.Vec2]struct{}
	Centers []vec.Vec2
}

// Contains проверяет, входит ли координата в желаемое множество
func (d Demand) Contains(c vec.Vec2) bool {
	_, ok := d.Desired[c]
	return ok
}

// Len возвращает размер желаемого множества
func (d Demand) Len() int {
	return len(d.Desired)
}

// Sorted возвращает желаемые координаты в детерминированном порядке
func (d Demand) Sorted() []vec.Vec2 {
	out := make([]vec.Vec2, 0, len(d.Desired))
	for c := range d.Desired {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// MinDistanceSq возвращает квадрат расстояния до ближайшего наблюдателя.
// Без наблюдателей все координаты равноудалены.
func (d Demand) MinDistanceSq(c vec.Vec2) int {
	best := math.MaxInt
	for _, center := range d.Centers {
		if ds := c.DistanceSq(center); ds < best {
			best = ds
		}
	}
	return best
}

// DemandTracker собирает спрос всех наблюдателей в одно множество, обрезанное границами мира
type DemandTracker struct {
	tileSize float64
	min, max vec.Vec2
}

// NewDemandTracker создаёт трекер для сетки [min, max] включительно
func NewDemandTracker(tileSize float64, min, max vec.Vec2) *DemandTracker {
	return &DemandTracker{tileSize: tileSize, min: min, max: max}
}

// Bounds возвращает границы сетки
func (t *DemandTracker) Bounds() (vec.Vec2, vec.Vec2) {
	return t.min, t.max
}

// Desired пересчитывает желаемое множество по текущим наблюдателям.
// Наблюдатель с отрицательным радиусом ничего не добавляет.
func (t *DemandTracker) Desired(observers []Observer) Demand {
	d := Demand{Desired: make(map[vec.Vec2]struct{})}
	for _, o := range observers {
		if o.Radius < 0 {
			continue
		}
		center := vec.WorldToGrid(o.Position, t.tileSize)
		d.Centers = append(d.Centers, center)
		for _, c := range vec.NeighborhoodWithin(center, o.Radius, t.min, t.max) {
			d.Desired[c] = struct{}{}
		}
	}
	return d
}
