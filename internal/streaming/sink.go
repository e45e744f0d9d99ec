package streaming

import (
	"sort"
	"sync"
	"time"

	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
)

// LiveHandle: непрозрачная ссылка на живое представление тайла.
// Ядро только хранит и возвращает её.
type LiveHandle interface{}

// Sink: внешний приёмник живых тайлов (сцена, клиентская сессия и т.п.)
type Sink interface {
	Spawn(coord vec.Vec2, a *terrain.Artifact) LiveHandle
	Despawn(h LiveHandle)
}

// LiveTile: запись MemorySink о живом тайле
type LiveTile struct {
	ID        uint64    `json:"id"`
	Coord     vec.Vec2  `json:"coord"`
	Version   uint64    `json:"version"`
	Vertices  int       `json:"vertices"`
	MinHeight float32   `json:"min_height"`
	MaxHeight float32   `json:"max_height"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// MemorySink хранит живые тайлы в памяти: представление для headless сервера
type MemorySink struct {
	mu        sync.RWMutex
	nextID    uint64
	live      map[uint64]LiveTile
	spawned   int64
	despawned int64
}

// NewMemorySink создаёт пустой приёмник
func NewMemorySink() *MemorySink {
	return &MemorySink{live: make(map[uint64]LiveTile)}
}

// Spawn регистрирует живой тайл и возвращает его идентификатор как LiveHandle
func (s *MemorySink) Spawn(coord vec.Vec2, a *terrain.Artifact) LiveHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	tile := LiveTile{ID: s.nextID, Coord: coord, SpawnedAt: time.Now()}
	if a != nil {
		tile.Version = a.Version
		tile.Vertices = a.VertexCount()
		tile.MinHeight = a.MinHeight
		tile.MaxHeight = a.MaxHeight
	}
	s.live[tile.ID] = tile
	s.spawned++
	return tile.ID
}

// Despawn удаляет живой тайл. Чужой или повторный handle игнорируется.
func (s *MemorySink) Despawn(h LiveHandle) {
	id, ok := h.(uint64)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.live[id]; !exists {
		return
	}
	delete(s.live, id)
	s.despawned++
}

// Live возвращает живые тайлы, отсортированные по координате
func (s *MemorySink) Live() []LiveTile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LiveTile, 0, len(s.live))
	for _, t := range s.live {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Coord != out[j].Coord {
			return out[i].Coord.Less(out[j].Coord)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count возвращает число живых тайлов
func (s *MemorySink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Totals возвращает накопленные счётчики spawn/despawn
func (s *MemorySink) Totals() (spawned, despawned int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spawned, s.despawned
}
