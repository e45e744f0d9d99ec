package streaming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/annel0/terrain-streamer/internal/cache"
	"github.com/annel0/terrain-streamer/internal/config"
	"github.com/annel0/terrain-streamer/internal/eventbus"
	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilSink возвращается, если стример создаётся без приёмника живых тайлов
var ErrNilSink = errors.New("streaming: sink is required")

// LoadedTile: живой тайл: handle из приёмника и артефакт, из которого он построен
type LoadedTile struct {
	Coord    vec.Vec2
	Handle   LiveHandle
	Artifact *terrain.Artifact
	Version  uint64
	LoadedAt time.Time
}

// Options: зависимости стримера
type Options struct {
	Terrain   config.TerrainConfig
	Streaming config.StreamingConfig

	Executor Executor
	Sink     Sink

	// Heights по умолчанию строится из Terrain.NoiseLayers
	Heights terrain.HeightSampler
	Metrics *Metrics
	Events  eventbus.EventBus
	Logger  *logging.Logger
}

// TickReport: итоги одного тика
type TickReport struct {
	Tick             uint64        `json:"tick"`
	Desired          int           `json:"desired"`
	Unloaded         int           `json:"unloaded"`
	SpawnedFromCache int           `json:"spawned_from_cache"`
	Adopted          int           `json:"adopted"`
	StaleEvicted     int           `json:"stale_evicted"`
	Enqueued         int           `json:"enqueued"`
	Pruned           int           `json:"pruned"`
	Dispatched       int           `json:"dispatched"`
	Collected        int           `json:"collected"`
	Spawned          int           `json:"spawned"`
	Failed           int           `json:"failed"`
	OrphansCollected int           `json:"orphans_collected"`
	Duration         time.Duration `json:"duration"`
}

// Stats: снимок состояния стримера между тиками
type Stats struct {
	Tick         uint64             `json:"tick"`
	CacheVersion uint64             `json:"cache_version"`
	Desired      int                `json:"desired"`
	Loaded       int                `json:"loaded"`
	Pending      int                `json:"pending"`
	Queued       int                `json:"queued"`
	Orphaned     int                `json:"orphaned"`
	Cache        cache.CacheMetrics `json:"cache"`
	LastTick     TickReport         `json:"last_tick"`
}

// Streamer: цикл согласования: превращает спрос наблюдателей в живые тайлы.
// Все поля принадлежат управляющему потоку; методы не потокобезопасны.
type Streamer struct {
	terrain   config.TerrainConfig
	streaming config.StreamingConfig
	params    terrain.Params

	tracker    *DemandTracker
	cache      *cache.TileCache
	dispatcher *Dispatcher

	loaded   map[vec.Vec2]*LoadedTile
	orphans  map[vec.Vec2]*LoadedTile
	lastSeen map[vec.Vec2]time.Time

	sink    Sink
	metrics *Metrics
	events  eventbus.EventBus
	log     *logging.Logger
	tracer  trace.Tracer

	heightsFixed bool
	tick         uint64
	desired      int
	last         TickReport
}

// NewStreamer проверяет конфигурацию и создаёт стример
func NewStreamer(opts Options) (*Streamer, error) {
	if opts.Sink == nil {
		return nil, ErrNilSink
	}
	if err := opts.Terrain.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Streaming.Validate(); err != nil {
		return nil, err
	}
	if opts.Executor == nil {
		opts.Executor = NewPoolExecutor(opts.Streaming.Workers)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetStreamingLogger()
	}

	s := &Streamer{
		dispatcher:   NewDispatcher(opts.Executor),
		loaded:       make(map[vec.Vec2]*LoadedTile),
		orphans:      make(map[vec.Vec2]*LoadedTile),
		lastSeen:     make(map[vec.Vec2]time.Time),
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		events:       opts.Events,
		log:          opts.Logger,
		tracer:       otel.Tracer(tracerName),
		heightsFixed: opts.Heights != nil,
	}
	s.cache = cache.NewTileCache(func(c vec.Vec2, a *terrain.Artifact) {
		s.log.Trace("cache released %s v%d", c, a.Version)
	})
	s.setTerrain(opts.Terrain.Clone(), opts.Heights)
	s.streaming = opts.Streaming

	s.log.Info("Streamer ready: tile=%.1f res=%d grid=[%d,%d]..[%d,%d] limit=%d policy=%s cache_version=%d",
		s.terrain.TileSize, s.terrain.Resolution,
		s.terrain.GridMin.X, s.terrain.GridMin.Z, s.terrain.GridMax.X, s.terrain.GridMax.Z,
		s.streaming.ConcurrencyLimit, s.streaming.EffectivePolicy(), s.terrain.CacheVersion)
	return s, nil
}

// setTerrain фиксирует новый снимок параметров генерации
func (s *Streamer) setTerrain(t config.TerrainConfig, heights terrain.HeightSampler) {
	s.terrain = t
	s.tracker = NewDemandTracker(t.TileSize, t.GridMin.Vec2(), t.GridMax.Vec2())
	s.params = t.Params(heights)
}

// CacheVersion возвращает текущую версию кеша
func (s *Streamer) CacheVersion() uint64 {
	return s.terrain.CacheVersion
}

// Tick выполняет один проход согласования: выгрузка, разрешение пробелов,
// запуск заданий, сбор результатов, сборка сирот. Никогда не блокируется на заданиях.
func (s *Streamer) Tick(ctx context.Context, now time.Time, observers []Observer) TickReport {
	start := time.Now()
	s.tick++
	r := TickReport{Tick: s.tick}

	ctx, span := s.tracer.Start(ctx, "streaming.tick", trace.WithAttributes(
		attribute.Int64("tick", int64(s.tick)),
		attribute.Int("observers", len(observers)),
	))
	defer span.End()

	demand := s.tracker.Desired(observers)
	r.Desired = demand.Len()
	s.desired = r.Desired
	for c := range demand.Desired {
		s.lastSeen[c] = now
	}

	s.unload(ctx, now, demand, &r)
	s.resolveGaps(ctx, demand, &r)
	s.dispatch(ctx, now, demand, &r)
	s.collect(ctx, now, demand, &r)
	s.collectOrphans(ctx, now, demand, &r)
	s.forgetUntracked(demand)

	r.Duration = time.Since(start)
	s.last = r
	s.metrics.observeTick(r, s.Stats())

	span.SetAttributes(
		attribute.Int("desired", r.Desired),
		attribute.Int("dispatched", r.Dispatched),
		attribute.Int("spawned", r.Spawned+r.SpawnedFromCache),
		attribute.Int("unloaded", r.Unloaded),
	)
	if r.Dispatched > 0 || r.Unloaded > 0 || r.Spawned > 0 || r.SpawnedFromCache > 0 {
		s.log.Debug("tick %d: desired=%d unloaded=%d cache_spawn=%d dispatched=%d spawned=%d pending=%d queued=%d",
			r.Tick, r.Desired, r.Unloaded, r.SpawnedFromCache, r.Dispatched, r.Spawned,
			s.dispatcher.PendingLen(), s.dispatcher.QueueLen())
	}
	return r
}

// shouldRelease решает, пора ли выгружать тайл, выпавший из спроса
func (s *Streamer) shouldRelease(c vec.Vec2, now time.Time) bool {
	if s.streaming.EffectivePolicy() == config.UnloadImmediate {
		return true
	}
	seen, ok := s.lastSeen[c]
	if !ok {
		s.lastSeen[c] = now
		return s.streaming.GracePeriod <= 0
	}
	return now.Sub(seen) > s.streaming.GracePeriod
}

// 1) Выгрузка тайлов вне спроса и, при refresh_stale_loaded, тайлов старой версии
func (s *Streamer) unload(ctx context.Context, now time.Time, demand Demand, r *TickReport) {
	version := s.terrain.CacheVersion
	for _, c := range sortedKeys(s.loaded) {
		tile := s.loaded[c]
		switch {
		case !demand.Contains(c):
			if !s.shouldRelease(c, now) {
				continue
			}
			s.despawn(ctx, tile, "out_of_range")
		case s.streaming.RefreshStaleLoaded && tile.Version != version:
			s.despawn(ctx, tile, "stale_version")
		default:
			continue
		}
		delete(s.loaded, c)
		r.Unloaded++
	}
}

// 2) Разрешение пробелов: сирота, свежий кеш, устаревший кеш, очередь
func (s *Streamer) resolveGaps(ctx context.Context, demand Demand, r *TickReport) {
	version := s.terrain.CacheVersion
	for _, c := range demand.Sorted() {
		if _, ok := s.loaded[c]; ok {
			continue
		}

		if orphan, ok := s.orphans[c]; ok {
			delete(s.orphans, c)
			if orphan.Version == version {
				s.loaded[c] = orphan
				r.Adopted++
				continue
			}
			s.despawn(ctx, orphan, "stale_orphan")
			r.OrphansCollected++
		}

		if s.dispatcher.IsPending(c) {
			continue
		}

		entry, freshness := s.cache.Check(c, version)
		switch freshness {
		case cache.Fresh:
			s.spawn(ctx, c, entry.Artifact, entry.Version, "cache")
			r.SpawnedFromCache++
			continue
		case cache.Stale:
			s.cache.Evict(c)
			s.publish(ctx, EventTileEvicted, c, entry.Version, "", "stale")
			r.StaleEvicted++
		}

		if s.dispatcher.Enqueue(c) {
			r.Enqueued++
			logging.LogTileRequest("streaming", c.X, c.Y, s.dispatcher.QueueLen())
		}
	}

	// Координаты, покинувшие спрос до запуска, в очереди не держим
	r.Pruned = s.dispatcher.Prune(demand.Contains)
}

// 3) Запуск заданий для ближайших координат в пределах лимита
func (s *Streamer) dispatch(ctx context.Context, now time.Time, demand Demand, r *TickReport) {
	version := s.terrain.CacheVersion
	params := s.params
	tileSize := s.terrain.TileSize

	jobs := s.dispatcher.Dispatch(ctx, DispatchOptions{
		Now:        now,
		Limit:      s.streaming.ConcurrencyLimit,
		MaxPerTick: s.streaming.MaxDispatchPerTick,
		Distance:   demand.MinDistanceSq,
		Skip: func(c vec.Vec2) bool {
			_, loaded := s.loaded[c]
			return loaded || s.cache.IsFresh(c, version)
		},
		Prepare: func(c vec.Vec2) JobSpec {
			origin := c.Origin(tileSize)
			return JobSpec{
				Origin:  origin,
				Version: version,
				Run: func() *terrain.Artifact {
					return terrain.Generate(c, origin, params)
				},
			}
		},
	})

	for _, job := range jobs {
		s.publish(ctx, EventTileDispatched, job.Coord, job.Version, job.ID.String(), "")
	}
	r.Dispatched = len(jobs)
}

// 4) Сбор завершённых заданий: артефакт в кеш, живой тайл только для свежего и желаемого
func (s *Streamer) collect(ctx context.Context, now time.Time, demand Demand, r *TickReport) {
	version := s.terrain.CacheVersion
	for _, done := range s.dispatcher.Collect() {
		job := done.Job
		c := job.Coord
		r.Collected++

		if done.Artifact == nil {
			r.Failed++
			job.finish("failed", fmt.Errorf("tile %s: job produced no artifact", c))
			s.log.Warn("tile %s job %s produced no artifact, will retry", c, job.ID)
			continue
		}

		s.cache.Insert(c, done.Artifact, job.Version)
		logging.LogTileReady("streaming", c.X, c.Y, now.Sub(job.DispatchedAt))

		switch {
		case job.Version != version:
			job.finish("stale", nil)
		case !demand.Contains(c):
			job.finish("cached_only", nil)
		default:
			s.spawn(ctx, c, done.Artifact, job.Version, "generated")
			job.finish("spawned", nil)
			r.Spawned++
		}
	}
}

// 5) Сборка сирот: живые тайлы, потерявшие учёт после ResetTracking
func (s *Streamer) collectOrphans(ctx context.Context, now time.Time, demand Demand, r *TickReport) {
	for _, c := range sortedKeys(s.orphans) {
		if demand.Contains(c) || !s.shouldRelease(c, now) {
			continue
		}
		s.despawn(ctx, s.orphans[c], "orphan")
		delete(s.orphans, c)
		r.OrphansCollected++
	}
}

// forgetUntracked убирает отметки времени координат, которые больше ничего не держит
func (s *Streamer) forgetUntracked(demand Demand) {
	for c := range s.lastSeen {
		if demand.Contains(c) {
			continue
		}
		if _, ok := s.loaded[c]; ok {
			continue
		}
		if _, ok := s.orphans[c]; ok {
			continue
		}
		delete(s.lastSeen, c)
	}
}

func (s *Streamer) spawn(ctx context.Context, c vec.Vec2, a *terrain.Artifact, version uint64, reason string) {
	h := s.sink.Spawn(c, a)
	s.loaded[c] = &LoadedTile{Coord: c, Handle: h, Artifact: a, Version: version, LoadedAt: time.Now()}
	s.publish(ctx, EventTileSpawned, c, version, "", reason)
}

func (s *Streamer) despawn(ctx context.Context, tile *LoadedTile, reason string) {
	s.sink.Despawn(tile.Handle)
	s.publish(ctx, EventTileDespawned, tile.Coord, tile.Version, "", reason)
}

// ApplyConfig заменяет параметры между тиками. Неверная конфигурация отклоняется целиком.
// Изменения генерации касаются только новых тайлов; инвалидирует кеш только cache_version.
func (s *Streamer) ApplyConfig(t config.TerrainConfig, st config.StreamingConfig) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return err
	}

	var heights terrain.HeightSampler
	if s.heightsFixed {
		heights = s.params.Heights
	}
	prev := s.terrain.CacheVersion
	s.setTerrain(t.Clone(), heights)
	s.streaming = st

	if t.CacheVersion != prev {
		s.publish(context.Background(), EventCacheVersion, vec.Vec2{}, t.CacheVersion, "", "config")
	}
	s.log.Info("Config applied: res=%d limit=%d policy=%s cache_version=%d",
		t.Resolution, st.ConcurrencyLimit, st.EffectivePolicy(), t.CacheVersion)
	return nil
}

// BumpCacheVersion повышает версию кеша на единицу и возвращает новую.
// Записи не удаляются: каждая признаётся устаревшей при следующем обращении.
func (s *Streamer) BumpCacheVersion(reason string) uint64 {
	return s.setCacheVersion(s.terrain.CacheVersion+1, reason)
}

// SetCacheVersion поднимает версию до заданной. Версия никогда не опускается.
func (s *Streamer) SetCacheVersion(version uint64, reason string) bool {
	if version <= s.terrain.CacheVersion {
		return false
	}
	s.setCacheVersion(version, reason)
	return true
}

func (s *Streamer) setCacheVersion(version uint64, reason string) uint64 {
	s.terrain.CacheVersion = version
	s.params.Version = version
	s.publish(context.Background(), EventCacheVersion, vec.Vec2{}, version, "", reason)
	s.log.Info("Cache version -> %d (%s)", version, reason)
	return version
}

// ResetTracking забывает загруженные и летящие тайлы. Живые представления становятся
// сиротами и собираются по той же политике выгрузки либо подхватываются обратно.
func (s *Streamer) ResetTracking() {
	for c, tile := range s.loaded {
		s.orphans[c] = tile
	}
	s.loaded = make(map[vec.Vec2]*LoadedTile)
	dropped := s.dispatcher.Reset()
	s.log.Warn("Tracking reset: %d orphans, %d pending jobs abandoned", len(s.orphans), dropped)
}

// Stats возвращает снимок состояния
func (s *Streamer) Stats() Stats {
	return Stats{
		Tick:         s.tick,
		CacheVersion: s.terrain.CacheVersion,
		Desired:      s.desired,
		Loaded:       len(s.loaded),
		Pending:      s.dispatcher.PendingLen(),
		Queued:       s.dispatcher.QueueLen(),
		Orphaned:     len(s.orphans),
		Cache:        s.cache.Metrics(),
		LastTick:     s.last,
	}
}

// IsLoaded сообщает, загружен ли тайл
func (s *Streamer) IsLoaded(c vec.Vec2) bool {
	_, ok := s.loaded[c]
	return ok
}

// IsPending сообщает, летит ли задание для тайла
func (s *Streamer) IsPending(c vec.Vec2) bool {
	return s.dispatcher.IsPending(c)
}

// LoadedCoords возвращает загруженные координаты по порядку
func (s *Streamer) LoadedCoords() []vec.Vec2 {
	return sortedKeys(s.loaded)
}

// PendingCoords возвращает координаты заданий в полёте по порядку
func (s *Streamer) PendingCoords() []vec.Vec2 {
	return s.dispatcher.PendingCoords()
}

// QueuedCoords возвращает очередь в порядке последнего прохода диспетчера
func (s *Streamer) QueuedCoords() []vec.Vec2 {
	return s.dispatcher.Queued()
}

// OrphanCoords возвращает координаты сирот по порядку
func (s *Streamer) OrphanCoords() []vec.Vec2 {
	return sortedKeys(s.orphans)
}

// Cache отдаёт кеш для чтения из управляющего потока
func (s *Streamer) Cache() *cache.TileCache {
	return s.cache
}

// Artifact возвращает свежий артефакт из кеша
func (s *Streamer) Artifact(c vec.Vec2) (*terrain.Artifact, error) {
	return s.cache.Get(c, s.terrain.CacheVersion)
}

// Terrain возвращает копию текущих параметров генерации
func (s *Streamer) Terrain() config.TerrainConfig {
	return s.terrain.Clone()
}

// StreamingConfig возвращает текущие параметры планировщика
func (s *Streamer) StreamingConfig() config.StreamingConfig {
	return s.streaming
}

func sortedKeys(m map[vec.Vec2]*LoadedTile) []vec.Vec2 {
	out := make([]vec.Vec2, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
