package streaming

import (
	"github.com/annel0/terrain-streamer/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics: Prometheus-метрики стримера.
//
// Метрики:
// * terrain_streaming_tiles_{pending,loaded,queued,orphaned}: gauge
// * terrain_streaming_jobs_{dispatched,failed}_total: counter
// * terrain_streaming_tiles_{spawned,despawned}_total: counter
// * terrain_cache_{hits,misses,stale,evictions}_total, terrain_cache_entries: кеш
// * terrain_streaming_tick_duration_seconds: histogram
type Metrics struct {
	pending  prometheus.Gauge
	loaded   prometheus.Gauge
	queued   prometheus.Gauge
	orphaned prometheus.Gauge

	dispatched prometheus.Counter
	failed     prometheus.Counter
	spawned    prometheus.Counter
	despawned  prometheus.Counter

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheStale     prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheEntries   prometheus.Gauge
	cacheVersion   prometheus.Gauge

	tickDuration prometheus.Histogram

	prevCache cache.CacheMetrics
}

// NewMetrics создаёт метрики и регистрирует их в reg. При reg == nil метрики не регистрируются.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "terrain", Subsystem: subsystem, Name: name, Help: help})
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "terrain", Subsystem: subsystem, Name: name, Help: help})
	}

	m := &Metrics{
		pending:  gauge("streaming", "tiles_pending", "Задания генерации в полёте."),
		loaded:   gauge("streaming", "tiles_loaded", "Живые тайлы."),
		queued:   gauge("streaming", "tiles_queued", "Координаты, ожидающие запуска."),
		orphaned: gauge("streaming", "tiles_orphaned", "Живые тайлы, потерявшие учёт после сброса."),

		dispatched: counter("streaming", "jobs_dispatched_total", "Запущенные задания генерации."),
		failed:     counter("streaming", "jobs_failed_total", "Задания, не вернувшие артефакт."),
		spawned:    counter("streaming", "tiles_spawned_total", "Созданные живые тайлы."),
		despawned:  counter("streaming", "tiles_despawned_total", "Удалённые живые тайлы."),

		cacheHits:      counter("cache", "hits_total", "Свежие попадания в кеш."),
		cacheMisses:    counter("cache", "misses_total", "Промахи кеша."),
		cacheStale:     counter("cache", "stale_total", "Попадания в устаревшие записи."),
		cacheEvictions: counter("cache", "evictions_total", "Вытесненные записи."),
		cacheEntries:   gauge("cache", "entries", "Записи в кеше, включая устаревшие."),
		cacheVersion:   gauge("cache", "version", "Текущая версия кеша."),

		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "terrain",
			Subsystem: "streaming",
			Name:      "tick_duration_seconds",
			Help:      "Длительность одного тика согласования.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.pending, m.loaded, m.queued, m.orphaned,
			m.dispatched, m.failed, m.spawned, m.despawned,
			m.cacheHits, m.cacheMisses, m.cacheStale, m.cacheEvictions, m.cacheEntries, m.cacheVersion,
			m.tickDuration,
		)
	}
	return m
}

// observeTick переносит итоги тика в метрики. Счётчики кеша добавляются дельтой.
func (m *Metrics) observeTick(r TickReport, s Stats) {
	m.pending.Set(float64(s.Pending))
	m.loaded.Set(float64(s.Loaded))
	m.queued.Set(float64(s.Queued))
	m.orphaned.Set(float64(s.Orphaned))

	m.dispatched.Add(float64(r.Dispatched))
	m.failed.Add(float64(r.Failed))
	m.spawned.Add(float64(r.SpawnedFromCache + r.Spawned))
	m.despawned.Add(float64(r.Unloaded + r.OrphansCollected))

	c := s.Cache
	m.cacheHits.Add(float64(c.Hits - m.prevCache.Hits))
	m.cacheMisses.Add(float64(c.Misses - m.prevCache.Misses))
	m.cacheStale.Add(float64(c.StaleHits - m.prevCache.StaleHits))
	m.cacheEvictions.Add(float64(c.Evictions - m.prevCache.Evictions))
	m.cacheEntries.Set(float64(c.Entries))
	m.cacheVersion.Set(float64(s.CacheVersion))
	m.prevCache = c

	m.tickDuration.Observe(r.Duration.Seconds())
}
