package streaming

import (
	"context"

	"github.com/annel0/terrain-streamer/internal/eventbus"
	"github.com/annel0/terrain-streamer/internal/vec"
)

// Типы событий жизненного цикла тайлов
const (
	EventTileDispatched = "tile.dispatched"
	EventTileSpawned    = "tile.spawned"
	EventTileDespawned  = "tile.despawned"
	EventTileEvicted    = "tile.evicted"
	EventCacheVersion   = "cache.version"
)

const eventSource = "streaming"

// Низкий приоритет: при заполненном буфере событие отбрасывается, тик не ждёт
const eventPriority = 1

// TileEvent: полезная нагрузка событий о тайлах
type TileEvent struct {
	X       int    `json:"x"`
	Z       int    `json:"z"`
	Version uint64 `json:"version"`
	JobID   string `json:"job_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Coord возвращает координату тайла события
func (e TileEvent) Coord() vec.Vec2 {
	return vec.Vec2{X: e.X, Y: e.Z}
}

// publish отправляет событие в шину. Без шины: no-op.
func (s *Streamer) publish(ctx context.Context, eventType string, c vec.Vec2, version uint64, jobID, reason string) {
	if s.events == nil {
		return
	}
	ev, err := eventbus.NewEnvelope(eventType, eventSource, eventPriority,
		TileEvent{X: c.X, Z: c.Y, Version: version, JobID: jobID, Reason: reason})
	if err != nil {
		s.log.Warn("%v", err)
		return
	}
	ev.CorrelationID = jobID
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Debug("publish %s %s: %v", eventType, c, err)
	}
}
