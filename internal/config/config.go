package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/annel0/terrain-streamer/internal/noise"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"gopkg.in/yaml.v3"
)

// Политики выгрузки тайлов
const (
	UnloadImmediate = "immediate"
	UnloadGrace     = "grace"
)

// ErrInvalidConfig оборачивается всеми ошибками валидации
var ErrInvalidConfig = errors.New("invalid config")

// Config корневая структура конфигурации сервиса.
type Config struct {
	Terrain   TerrainConfig   `yaml:"terrain"`
	Streaming StreamingConfig `yaml:"streaming"`
	Server    ServerConfig    `yaml:"server"`
	NATS      NATSConfig      `yaml:"nats"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GridPoint: координата сетки в YAML (x, z)
type GridPoint struct {
	X int `yaml:"x"`
	Z int `yaml:"z"`
}

// Vec2 переводит точку в координату тайла
func (p GridPoint) Vec2() vec.Vec2 {
	return vec.Vec2{X: p.X, Y: p.Z}
}

// TerrainConfig описывает генерацию содержимого тайлов.
// cache_version: единственный способ инвалидировать уже построенные артефакты.
type TerrainConfig struct {
	TileSize     float64             `yaml:"tile_size"`
	Resolution   int                 `yaml:"resolution"`
	MaxHeight    float64             `yaml:"max_height"`
	GridMin      GridPoint           `yaml:"grid_min"`
	GridMax      GridPoint           `yaml:"grid_max"`
	CacheVersion uint64              `yaml:"cache_version"`
	NoiseLayers  []noise.Layer       `yaml:"noise_layers"`
	VertexColors bool                `yaml:"vertex_colors"`
	ColorBands   []terrain.ColorBand `yaml:"color_bands"`
	DefaultColor [3]float32          `yaml:"default_color"`
}

// StreamingConfig описывает планировщик и цикл согласования
type StreamingConfig struct {
	ConcurrencyLimit   int           `yaml:"concurrency_limit"`
	MaxDispatchPerTick int           `yaml:"max_dispatch_per_tick"`
	UnloadPolicy       string        `yaml:"unload_policy"`
	GracePeriod        time.Duration `yaml:"grace_period"`
	RefreshStaleLoaded bool          `yaml:"refresh_stale_loaded"`
	Workers            int           `yaml:"workers"`
	TickRateHz         int           `yaml:"tick_rate_hz"`
}

// EffectivePolicy возвращает политику выгрузки с учётом значения по умолчанию:
// без явной политики grace_period > 0 включает отложенную выгрузку.
func (s StreamingConfig) EffectivePolicy() string {
	switch s.UnloadPolicy {
	case UnloadImmediate:
		return UnloadImmediate
	case UnloadGrace:
		return UnloadGrace
	}
	if s.GracePeriod > 0 {
		return UnloadGrace
	}
	return UnloadImmediate
}

// TickInterval возвращает период тика
func (s StreamingConfig) TickInterval() time.Duration {
	if s.TickRateHz <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(s.TickRateHz)
}

type ServerConfig struct {
	RESTPort int    `yaml:"rest_port"`
	NodeID   string `yaml:"node_id"`
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "TERRAIN_REST_PORT", 8088)
}

// GetNodeID возвращает идентификатор узла: config -> env -> hostname
func (s *ServerConfig) GetNodeID() string {
	if s.NodeID != "" {
		return s.NodeID
	}
	if env := os.Getenv("TERRAIN_NODE_ID"); env != "" {
		return env
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "terrain-node"
	}
	return host
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`

	// EventsStream включает пересылку событий тайлов в JetStream
	EventsStream    string        `yaml:"events_stream"`
	EventsRetention time.Duration `yaml:"events_retention"`
}

// Enabled сообщает, настроено ли подключение к NATS
func (n NATSConfig) Enabled() bool {
	return strings.TrimSpace(n.URL) != ""
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// Endpoint в виде host:port для OTLP/HTTP; пусто: переменные OTEL_EXPORTER_OTLP_*
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Terrain:   DefaultTerrain(),
		Streaming: DefaultStreaming(),
		Server:    ServerConfig{},
		NATS: NATSConfig{
			Subject:       "terrain.cache.version",
			MaxReconnects: 10,
			ReconnectWait: 2 * time.Second,
			DedupeWindow:  5 * time.Second,

			EventsRetention: 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{ServiceName: "terrain-streamer", SampleRatio: 1},
		Logging:   LoggingConfig{Level: "info", Dir: "logs"},
	}
}

// DefaultTerrain возвращает параметры генерации по умолчанию
func DefaultTerrain() TerrainConfig {
	return TerrainConfig{
		TileSize:     128,
		Resolution:   129,
		MaxHeight:    100,
		GridMin:      GridPoint{X: -50, Z: -50},
		GridMax:      GridPoint{X: 50, Z: 50},
		CacheVersion: 1,
		NoiseLayers:  noise.DefaultLayers(),
		VertexColors: true,
		ColorBands:   terrain.DefaultColorBands(),
		DefaultColor: terrain.DefaultFallbackColor,
	}
}

// DefaultStreaming возвращает параметры планировщика по умолчанию
func DefaultStreaming() StreamingConfig {
	return StreamingConfig{
		ConcurrencyLimit: 8,
		UnloadPolicy:     UnloadImmediate,
		TickRateHz:       30,
	}
}

// Params собирает параметры генерации. heights == nil: поле шума из NoiseLayers.
func (t TerrainConfig) Params(heights terrain.HeightSampler) terrain.Params {
	if heights == nil {
		heights = noise.NewField(t.NoiseLayers, t.MaxHeight)
	}
	return terrain.Params{
		TileSize:     t.TileSize,
		Resolution:   t.Resolution,
		MaxHeight:    t.MaxHeight,
		Heights:      heights,
		VertexColors: t.VertexColors,
		ColorBands:   append([]terrain.ColorBand(nil), t.ColorBands...),
		DefaultColor: t.DefaultColor,
		Version:      t.CacheVersion,
	}
}

// Clone возвращает глубокую копию, неизменяемый снимок на время тика
func (t TerrainConfig) Clone() TerrainConfig {
	out := t
	out.NoiseLayers = append([]noise.Layer(nil), t.NoiseLayers...)
	out.ColorBands = append([]terrain.ColorBand(nil), t.ColorBands...)
	return out
}

// ValidationError перечисляет все нарушенные поля
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Problems, "; "))
}

// Is позволяет проверять ошибку через errors.Is(err, ErrInvalidConfig)
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Validate проверяет всю конфигурацию
func (c *Config) Validate() error {
	var problems []string
	problems = append(problems, c.Terrain.problems()...)
	problems = append(problems, c.Streaming.problems()...)
	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: problems}
}

// Validate проверяет только параметры генерации
func (t TerrainConfig) Validate() error {
	if p := t.problems(); len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// Validate проверяет только параметры планировщика
func (s StreamingConfig) Validate() error {
	if p := s.problems(); len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

func (t TerrainConfig) problems() []string {
	var p []string
	if !(t.TileSize > 0) {
		p = append(p, fmt.Sprintf("terrain.tile_size must be > 0, got %v", t.TileSize))
	}
	if t.Resolution < 2 {
		p = append(p, fmt.Sprintf("terrain.resolution must be >= 2, got %d", t.Resolution))
	}
	if t.MaxHeight < 0 {
		p = append(p, fmt.Sprintf("terrain.max_height must be >= 0, got %v", t.MaxHeight))
	}
	if t.GridMin.X > t.GridMax.X || t.GridMin.Z > t.GridMax.Z {
		p = append(p, fmt.Sprintf("terrain grid range is inverted: min=%+v max=%+v", t.GridMin, t.GridMax))
	}
	for i, l := range t.NoiseLayers {
		if !(l.Frequency > 0) {
			p = append(p, fmt.Sprintf("terrain.noise_layers[%d].frequency must be > 0", i))
		}
		if l.MinAmplitude > l.MaxAmplitude {
			p = append(p, fmt.Sprintf("terrain.noise_layers[%d]: min_amplitude > max_amplitude", i))
		}
		if l.Octaves < 0 {
			p = append(p, fmt.Sprintf("terrain.noise_layers[%d].octaves must be >= 0", i))
		}
	}
	for i, b := range t.ColorBands {
		if !ascending(b.SlopeLimits) {
			p = append(p, fmt.Sprintf("terrain.color_bands[%d].slope_limits must be ascending", i))
		}
		if !ascending(b.HeightLimits) {
			p = append(p, fmt.Sprintf("terrain.color_bands[%d].height_limits must be ascending", i))
		}
	}
	return p
}

func (s StreamingConfig) problems() []string {
	var p []string
	if s.ConcurrencyLimit < 0 {
		p = append(p, fmt.Sprintf("streaming.concurrency_limit must be >= 0, got %d", s.ConcurrencyLimit))
	}
	if s.MaxDispatchPerTick < 0 {
		p = append(p, fmt.Sprintf("streaming.max_dispatch_per_tick must be >= 0, got %d", s.MaxDispatchPerTick))
	}
	if s.GracePeriod < 0 {
		p = append(p, fmt.Sprintf("streaming.grace_period must be >= 0, got %s", s.GracePeriod))
	}
	switch s.UnloadPolicy {
	case "", UnloadImmediate, UnloadGrace:
	default:
		p = append(p, fmt.Sprintf("streaming.unload_policy must be %q or %q, got %q", UnloadImmediate, UnloadGrace, s.UnloadPolicy))
	}
	if s.Workers < 0 {
		p = append(p, fmt.Sprintf("streaming.workers must be >= 0, got %d", s.Workers))
	}
	if s.TickRateHz < 0 {
		p = append(p, fmt.Sprintf("streaming.tick_rate_hz must be >= 0, got %d", s.TickRateHz))
	}
	return p
}

func ascending(l [4]float32) bool {
	return l[0] <= l[1] && l[1] <= l[2] && l[2] <= l[3]
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать путь из ENV TERRAIN_CONFIG, иначе возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TERRAIN_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает YAML документ: проверка схемы, декодирование, семантическая валидация
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
