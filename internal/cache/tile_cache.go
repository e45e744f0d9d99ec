package cache

import (
	"sort"
	"time"

	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
)

// Entry: артефакт тайла и версия кеша, под которой он построен.
// Запись не изменяется после вставки, только заменяется целиком.
type Entry struct {
	Artifact   *terrain.Artifact
	Version    uint64
	InsertedAt time.Time
}

// ReleaseFunc освобождает ресурсы артефакта при вытеснении или замене
type ReleaseFunc func(coord vec.Vec2, a *terrain.Artifact)

// TileCache: отображение координата -> (артефакт, версия).
// Не потокобезопасен: владеет им только управляющий цикл.
type TileCache struct {
	entries map[vec.Vec2]*Entry
	release ReleaseFunc
	now     func() time.Time

	lookups   int64
	hits      int64
	misses    int64
	staleHits int64
	inserts   int64
	evictions int64
	bytes     int64
}

// NewTileCache создаёт пустой кеш. release может быть nil.
func NewTileCache(release ReleaseFunc) *TileCache {
	return &TileCache{
		entries: make(map[vec.Vec2]*Entry),
		release: release,
		now:     time.Now,
	}
}

// Lookup возвращает запись без учёта версии и без изменения счётчиков
func (c *TileCache) Lookup(coord vec.Vec2) (*Entry, bool) {
	e, ok := c.entries[coord]
	return e, ok
}

// Check сравнивает запись с текущей версией кеша.
// Устаревшая запись остаётся на месте до явного Evict.
func (c *TileCache) Check(coord vec.Vec2, version uint64) (*Entry, Freshness) {
	c.lookups++
	e, ok := c.entries[coord]
	switch {
	case !ok:
		c.misses++
		return nil, Miss
	case e.Version != version:
		c.staleHits++
		return e, Stale
	default:
		c.hits++
		return e, Fresh
	}
}

// IsFresh проверяет свежесть без изменения счётчиков
func (c *TileCache) IsFresh(coord vec.Vec2, version uint64) bool {
	e, ok := c.entries[coord]
	return ok && e.Version == version
}

// Get возвращает свежий артефакт или ErrCacheMiss / ErrStaleEntry
func (c *TileCache) Get(coord vec.Vec2, version uint64) (*terrain.Artifact, error) {
	e, ok := c.entries[coord]
	if !ok {
		return nil, ErrCacheMiss
	}
	if e.Version != version {
		return nil, ErrStaleEntry
	}
	return e.Artifact, nil
}

// Insert перезаписывает запись для координаты. Предыдущий артефакт освобождается.
func (c *TileCache) Insert(coord vec.Vec2, a *terrain.Artifact, version uint64) {
	if prev, ok := c.entries[coord]; ok {
		c.drop(coord, prev, prev.Artifact != a)
	}
	c.entries[coord] = &Entry{Artifact: a, Version: version, InsertedAt: c.now()}
	c.bytes += artifactBytes(a)
	c.inserts++
}

// Evict удаляет запись и освобождает артефакт. Возвращает false, если записи не было.
func (c *TileCache) Evict(coord vec.Vec2) bool {
	e, ok := c.entries[coord]
	if !ok {
		return false
	}
	delete(c.entries, coord)
	c.drop(coord, e, true)
	c.evictions++
	return true
}

// EvictStale удаляет все записи с версией, отличной от текущей. Возвращает число удалённых.
func (c *TileCache) EvictStale(version uint64) int {
	var n int
	for _, coord := range c.Coords() {
		if c.entries[coord].Version != version {
			c.Evict(coord)
			n++
		}
	}
	return n
}

func (c *TileCache) drop(coord vec.Vec2, e *Entry, release bool) {
	c.bytes -= artifactBytes(e.Artifact)
	if release && c.release != nil && e.Artifact != nil {
		c.release(coord, e.Artifact)
	}
}

// Len возвращает количество записей, включая устаревшие
func (c *TileCache) Len() int {
	return len(c.entries)
}

// Coords возвращает координаты записей в детерминированном порядке
func (c *TileCache) Coords() []vec.Vec2 {
	out := make([]vec.Vec2, 0, len(c.entries))
	for coord := range c.entries {
		out = append(out, coord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Metrics возвращает снимок счётчиков
func (c *TileCache) Metrics() CacheMetrics {
	m := CacheMetrics{
		Lookups:    c.lookups,
		Hits:       c.hits,
		Misses:     c.misses,
		StaleHits:  c.staleHits,
		Inserts:    c.inserts,
		Evictions:  c.evictions,
		Entries:    len(c.entries),
		TotalBytes: c.bytes,
		LastUpdate: c.now(),
	}
	if c.lookups > 0 {
		m.HitRatio = float64(c.hits) / float64(c.lookups)
	}
	return m
}

func artifactBytes(a *terrain.Artifact) int64 {
	if a == nil {
		return 0
	}
	return int64(a.SizeBytes())
}
