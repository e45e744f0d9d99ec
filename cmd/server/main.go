package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/terrain-streamer/internal/api"
	"github.com/annel0/terrain-streamer/internal/app"
	"github.com/annel0/terrain-streamer/internal/cache"
	"github.com/annel0/terrain-streamer/internal/config"
	"github.com/annel0/terrain-streamer/internal/eventbus"
	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/observability"
	"github.com/annel0/terrain-streamer/internal/streaming"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "Путь к YAML-конфигурации (иначе TERRAIN_CONFIG или значения по умолчанию)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	// === ЛОГИРОВАНИЕ ===
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Printf("⚠️ %v, используется INFO", err)
	}
	logging.SetLogDir(cfg.Logging.Dir)
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	logging.SetDefaultLevel(level)
	logging.GetLoggerManager().SetDefaultLevels(level, logging.DEBUG)

	nodeID := cfg.Server.GetNodeID()
	restPort := cfg.Server.GetRESTPort()
	logging.Info("🗺️ Запуск terrain-streamer: node=%s REST=:%d tick=%s", nodeID, restPort, cfg.Streaming.TickInterval())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === ТЕЛЕМЕТРИЯ ===
	shutdownTelemetry, err := observability.InitTelemetry(ctx, cfg.Telemetry, nodeID)
	if err != nil {
		logging.Error("❌ Ошибка инициализации OpenTelemetry: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("OpenTelemetry shutdown: %v", err)
		}
	}()

	// === ШИНА СОБЫТИЙ ===
	bus := eventbus.NewMemoryBus(4096)
	eventbus.Init(bus)
	if _, err := eventbus.StartLoggingListener(bus, eventbus.Filter{}); err != nil {
		logging.Warn("Логирование событий недоступно: %v", err)
	}
	busMetrics := eventbus.NewMetricsExporter(bus, prometheus.DefaultRegisterer, 5*time.Second)
	busMetrics.Start()

	var jsBus *eventbus.JetStreamBus
	if cfg.NATS.Enabled() && cfg.NATS.EventsStream != "" {
		jsBus, err = eventbus.NewJetStreamBus(cfg.NATS.URL, cfg.NATS.EventsStream, cfg.NATS.EventsRetention)
		if err != nil {
			logging.Error("❌ JetStream недоступен, события остаются локальными: %v", err)
		} else if _, err := eventbus.Forward(ctx, bus, jsBus, eventbus.Filter{}); err != nil {
			logging.Error("❌ Пересылка событий в JetStream: %v", err)
		} else {
			logging.Info("📨 События тайлов пересылаются в JetStream stream=%s", cfg.NATS.EventsStream)
		}
	}

	// === СТРИМЕР ===
	executor := streaming.NewPoolExecutor(cfg.Streaming.Workers)
	sink := streaming.NewMemorySink()
	streamer, err := streaming.NewStreamer(streaming.Options{
		Terrain:   cfg.Terrain,
		Streaming: cfg.Streaming,
		Executor:  executor,
		Sink:      sink,
		Metrics:   streaming.NewMetrics(prometheus.DefaultRegisterer),
		Events:    bus,
	})
	if err != nil {
		logging.Error("❌ Ошибка создания стримера: %v", err)
		os.Exit(1)
	}
	loop := app.NewLoop(streamer, app.LoopOptions{})
	go loop.Run(ctx)

	// === NATS: версии кеша ===
	var invalidator cache.VersionInvalidator
	if cfg.NATS.Enabled() {
		inv, err := cache.NewNATSInvalidator(&cache.InvalidatorConfig{
			NATSURL:       cfg.NATS.URL,
			Subject:       cfg.NATS.Subject,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			DedupeWindow:  cfg.NATS.DedupeWindow,
		}, nodeID)
		if err != nil {
			logging.Error("❌ NATS недоступен, версия кеша только локальная: %v", err)
		} else {
			inv.SetLastVersion(cfg.Terrain.CacheVersion)
			err = inv.SubscribeBumps(ctx, func(msg cache.VersionBumpMessage) error {
				reason := "remote " + msg.NodeID + ": " + msg.Reason
				return loop.Do(ctx, func(s *streaming.Streamer) error {
					s.SetCacheVersion(msg.CacheVersion, reason)
					return nil
				})
			})
			if err != nil {
				logging.Error("❌ Подписка на версии кеша: %v", err)
			}
			invalidator = inv
			logging.Info("🔄 Версии кеша синхронизируются через NATS subject=%s", cfg.NATS.Subject)
		}
	}

	// === REST API ===
	rest := api.NewRestServer(api.Config{
		Port:        restPort,
		Loop:        loop,
		Sink:        sink,
		Invalidator: invalidator,
	})
	restErr := make(chan error, 1)
	go func() { restErr <- rest.Start() }()

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   🌐 REST API: http://localhost:%d/api/stats", restPort)
	logging.Info("   📈 Метрики: http://localhost:%d/metrics", restPort)
	logging.Info("   ❤️  Health check: http://localhost:%d/health", restPort)

	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал завершения")
	case err := <-restErr:
		if err != nil {
			logging.Error("❌ REST API: %v", err)
		}
		stop()
	}

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rest.Stop(shutdownCtx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	<-loop.Done()
	if invalidator != nil {
		_ = invalidator.Close()
	}

	// ждём задания генерации в полёте
	executor.Wait()
	busMetrics.Stop()
	if jsBus != nil {
		_ = jsBus.Close()
	}
	_ = bus.Close()

	spawned, despawned := sink.Totals()
	logging.Info("👋 Сервер остановлен: spawned=%d despawned=%d", spawned, despawned)
}
