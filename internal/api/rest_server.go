package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/terrain-streamer/internal/app"
	"github.com/annel0/terrain-streamer/internal/cache"
	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/middleware"
	"github.com/annel0/terrain-streamer/internal/streaming"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer: REST-поверхность управления стримером
type RestServer struct {
	router      *gin.Engine
	loop        *app.Loop
	sink        *streaming.MemorySink
	invalidator cache.VersionInvalidator
	metrics     *ServerMetrics
	log         *logging.Logger
	httpServer  *http.Server
}

// Config содержит зависимости REST сервера
type Config struct {
	Port int
	Loop *app.Loop
	// Sink нужен только для /api/tiles/live
	Sink *streaming.MemorySink
	// Invalidator рассылает bump по кластеру; nil: только локально
	Invalidator cache.VersionInvalidator
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	Logger      *logging.Logger
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Coord: координата тайла в JSON
type Coord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func toCoords(cs []vec.Vec2) []Coord {
	out := make([]Coord, len(cs))
	for i, c := range cs {
		out[i] = Coord{X: c.X, Z: c.Y}
	}
	return out
}

// ObserverRequest: тело PUT /api/observers/:id
type ObserverRequest struct {
	X      float64 `json:"x"`
	Z      float64 `json:"z"`
	Radius int     `json:"radius"`
}

// BumpRequest: тело POST /api/cache/bump
type BumpRequest struct {
	Reason string `json:"reason"`
}

// NewRestServer создает REST API сервер
func NewRestServer(cfg Config) *RestServer {
	if cfg.Logger == nil {
		cfg.Logger = logging.GetAPILogger()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("terrain_api"))
	router.Use(middleware.NewRequestLogger(cfg.Logger).Handler())

	promMw := middleware.NewPrometheusMiddleware("terrain_api", cfg.Registerer)
	router.Use(promMw.Handler())
	middleware.RegisterMetricsEndpoint(router, cfg.Gatherer)

	rs := &RestServer{
		router:      router,
		loop:        cfg.Loop,
		sink:        cfg.Sink,
		invalidator: cfg.Invalidator,
		metrics:     NewServerMetrics(),
		log:         cfg.Logger,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	rs.setupRoutes()
	return rs
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	{
		api.GET("/stats", rs.handleStats)

		api.GET("/tiles", rs.handleTiles)
		api.GET("/tiles/live", rs.handleLiveTiles)
		api.GET("/tiles/:x/:z/artifact", rs.handleArtifact)

		api.GET("/observers", rs.handleGetObservers)
		api.PUT("/observers/:id", rs.handlePutObserver)
		api.DELETE("/observers/:id", rs.handleDeleteObserver)

		api.POST("/cache/bump", rs.handleCacheBump)
		api.POST("/tracking/reset", rs.handleResetTracking)
	}
}

// Handler отдаёт http.Handler (для httptest)
func (rs *RestServer) Handler() http.Handler {
	return rs.router
}

// Start запускает REST сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.log.Info("REST API listening on %s", rs.httpServer.Addr)
	if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server: %w", err)
	}
	return nil
}

// Stop дожидается завершения активных запросов
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.httpServer.Shutdown(ctx)
}

// respondLoopError переводит ошибку цикла в HTTP-статус
func (rs *RestServer) respondLoopError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrLoopStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	select {
	case <-rs.loop.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped", "time": time.Now().Unix()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	}
}

// handleStats отдаёт последний снимок цикла без обращения к нему
func (rs *RestServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data: gin.H{
			"streaming": rs.loop.Snapshot(),
			"server":    rs.metrics.Sample(),
		},
	})
}

func (rs *RestServer) handleTiles(c *gin.Context) {
	var loaded, pending, queued []vec.Vec2
	var version uint64
	err := rs.loop.Do(c.Request.Context(), func(s *streaming.Streamer) error {
		loaded = s.LoadedCoords()
		pending = s.PendingCoords()
		queued = s.QueuedCoords()
		version = s.CacheVersion()
		return nil
	})
	if err != nil {
		rs.respondLoopError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Тайлы",
		Data: gin.H{
			"cache_version": version,
			"loaded":        toCoords(loaded),
			"pending":       toCoords(pending),
			"queued":        toCoords(queued),
		},
	})
}

func (rs *RestServer) handleLiveTiles(c *gin.Context) {
	if rs.sink == nil {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Приёмник не поддерживает перечисление"})
		return
	}
	live := rs.sink.Live()
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Живые тайлы",
		Data:    gin.H{"tiles": live, "total": len(live)},
	})
}

// handleArtifact отдаёт свежий артефакт из кеша в виде zstd-блоба
func (rs *RestServer) handleArtifact(c *gin.Context) {
	x, errX := strconv.Atoi(c.Param("x"))
	z, errZ := strconv.Atoi(c.Param("z"))
	if errX != nil || errZ != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Координаты должны быть целыми"})
		return
	}
	coord := vec.Vec2{X: x, Y: z}

	var artifact *terrain.Artifact
	var lookupErr error
	err := rs.loop.Do(c.Request.Context(), func(s *streaming.Streamer) error {
		artifact, lookupErr = s.Artifact(coord)
		return nil
	})
	if err != nil {
		rs.respondLoopError(c, err)
		return
	}
	if lookupErr != nil {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: fmt.Sprintf("%s: %v", coord, lookupErr)})
		return
	}

	// артефакт неизменяем, упаковка идёт вне цикла
	blob, err := terrain.Pack(artifact)
	if err != nil {
		rs.log.Error("Pack %s failed: %v", coord, err)
		c.JSON(http.StatusInternalServerError, GenericResponse{Success: false, Message: err.Error()})
		return
	}
	c.Header("X-Cache-Version", strconv.FormatUint(artifact.Version, 10))
	c.Data(http.StatusOK, "application/octet-stream", blob)
}

func (rs *RestServer) handleGetObservers(c *gin.Context) {
	observers, err := rs.loop.Observers(c.Request.Context())
	if err != nil {
		rs.respondLoopError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Наблюдатели",
		Data:    gin.H{"observers": observers, "total": len(observers)},
	})
}

func (rs *RestServer) handlePutObserver(c *gin.Context) {
	var req ObserverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный формат запроса: " + err.Error()})
		return
	}
	o := streaming.Observer{
		ID:       c.Param("id"),
		Position: vec.Vec2Float{X: req.X, Y: req.Z},
		Radius:   req.Radius,
	}
	if err := rs.loop.SetObserver(c.Request.Context(), o); err != nil {
		if errors.Is(err, app.ErrEmptyObserverID) {
			c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
			return
		}
		rs.respondLoopError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Наблюдатель обновлён", Data: o})
}

func (rs *RestServer) handleDeleteObserver(c *gin.Context) {
	id := c.Param("id")
	found, err := rs.loop.RemoveObserver(c.Request.Context(), id)
	if err != nil {
		rs.respondLoopError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Наблюдатель не найден: " + id})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Наблюдатель удалён"})
}

// handleCacheBump поднимает версию локально и рассылает её, если есть invalidator
func (rs *RestServer) handleCacheBump(c *gin.Context) {
	var req BumpRequest
	// пустое тело допустимо
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный формат запроса: " + err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	var version uint64
	err := rs.loop.Do(c.Request.Context(), func(s *streaming.Streamer) error {
		version = s.BumpCacheVersion(req.Reason)
		return nil
	})
	if err != nil {
		rs.respondLoopError(c, err)
		return
	}

	published := false
	if rs.invalidator != nil {
		if err := rs.invalidator.PublishBump(c.Request.Context(), version, req.Reason); err != nil {
			rs.log.Warn("Cache version %d bumped locally, broadcast failed: %v", version, err)
		} else {
			published = true
		}
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Версия кеша поднята",
		Data:    gin.H{"cache_version": version, "published": published},
	})
}

func (rs *RestServer) handleResetTracking(c *gin.Context) {
	var orphans int
	err := rs.loop.Do(c.Request.Context(), func(s *streaming.Streamer) error {
		s.ResetTracking()
		orphans = len(s.OrphanCoords())
		return nil
	})
	if err != nil {
		rs.respondLoopError(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Учёт сброшен", Data: gin.H{"orphans": orphans}})
}
