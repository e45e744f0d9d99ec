package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/terrain-streamer/internal/cache"
	"github.com/annel0/terrain-streamer/internal/config"
	"github.com/annel0/terrain-streamer/internal/eventbus"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/dustin/go-humanize"
	nats "github.com/nats-io/nats.go"
)

func main() {
	var (
		command    = flag.String("cmd", "info", "Command: gen, info, bump, tail")
		configPath = flag.String("config", "", "YAML config (default: TERRAIN_CONFIG or built-in)")
		x          = flag.Int("x", 0, "Tile X")
		z          = flag.Int("z", 0, "Tile Z")
		out        = flag.String("out", "", "Output blob file (gen)")
		in         = flag.String("in", "", "Input blob file (info)")
		reason     = flag.String("reason", "cli", "Bump reason")
		version    = flag.Uint64("version", 0, "Cache version to announce (bump, 0 = config version + 1)")
		types      = flag.String("types", "", "Event types filter, comma-separated (tail)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	switch *command {
	case "gen":
		err = genTile(os.Stdout, cfg.Terrain, vec.Vec2{X: *x, Y: *z}, *out)
	case "info":
		err = showInfo(os.Stdout, *in)
	case "bump":
		err = bumpVersion(cfg, *version, *reason)
	case "tail":
		err = tailEvents(cfg, parseStringList(*types))
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: gen, info, bump, tail")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

// genTile генерирует один тайл и пишет zstd-блоб
func genTile(w io.Writer, tc config.TerrainConfig, coord vec.Vec2, path string) error {
	if err := tc.Validate(); err != nil {
		return err
	}
	if path == "" {
		path = fmt.Sprintf("tile_%d_%d.tta", coord.X, coord.Y)
	}

	start := time.Now()
	a := terrain.Generate(coord, coord.Origin(tc.TileSize), tc.Params(nil))
	took := time.Since(start)

	blob, err := terrain.Pack(a)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	raw := rawSize(a)
	fmt.Fprintf(w, "🗺️ Tile %s res=%d v%d generated in %s\n", coord, a.Resolution, a.Version, took)
	fmt.Fprintf(w, "   heights %.2f..%.2f\n", a.MinHeight, a.MaxHeight)
	fmt.Fprintf(w, "   %s → %s (%s raw, ratio %.2f)\n", path, humanize.Bytes(uint64(len(blob))), humanize.Bytes(raw), float64(raw)/float64(len(blob)))
	return nil
}

// rawSize: объём несжатых текстурных данных артефакта
func rawSize(a *terrain.Artifact) uint64 {
	n := uint64(len(terrain.EncodeHeightR32F(a.Heights)) + len(terrain.EncodeNormalRGBA8(a.Normals)))
	n += uint64(len(a.Colors) * 16)
	return n
}

// showInfo распаковывает блоб и печатает заголовок
func showInfo(w io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("-in is required")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	a, err := terrain.Unpack(blob)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "📦 %s (%s)\n", path, humanize.Bytes(uint64(len(blob))))
	fmt.Fprintf(w, "   coord:      %s\n", a.Coord)
	fmt.Fprintf(w, "   origin:     (%.1f, %.1f)\n", a.Origin.X, a.Origin.Y)
	fmt.Fprintf(w, "   resolution: %d (%s vertices, %s triangles)\n", a.Resolution,
		humanize.Comma(int64(a.VertexCount())), humanize.Comma(int64(len(a.Indices)/3)))
	fmt.Fprintf(w, "   step:       %.3f\n", a.Step)
	fmt.Fprintf(w, "   version:    %d\n", a.Version)
	fmt.Fprintf(w, "   heights:    %.2f..%.2f\n", a.MinHeight, a.MaxHeight)
	fmt.Fprintf(w, "   colors:     %v\n", a.Colors != nil)
	return nil
}

// bumpVersion рассылает новую версию кеша всем узлам
func bumpVersion(cfg *config.Config, version uint64, reason string) error {
	if !cfg.NATS.Enabled() {
		return fmt.Errorf("nats.url is not configured")
	}
	if version == 0 {
		version = cfg.Terrain.CacheVersion + 1
	}
	inv, err := cache.NewNATSInvalidator(&cache.InvalidatorConfig{
		NATSURL: cfg.NATS.URL,
		Subject: cfg.NATS.Subject,
	}, "terrain-cli")
	if err != nil {
		return err
	}
	defer inv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inv.PublishBump(ctx, version, reason); err != nil {
		return err
	}
	fmt.Printf("🔄 Cache version %d announced on %s\n", version, cfg.NATS.Subject)
	return nil
}

// tailEvents печатает события тайлов из NATS, пока не придёт сигнал
func tailEvents(cfg *config.Config, types []string) error {
	if !cfg.NATS.Enabled() {
		return fmt.Errorf("nats.url is not configured")
	}
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("terrain-cli tail"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	subjects := []string{eventbus.Subject(">")}
	if len(types) > 0 {
		subjects = subjects[:0]
		for _, t := range types {
			subjects = append(subjects, eventbus.Subject(t))
		}
	}

	fmt.Printf("🎬 Tailing %s\n", strings.Join(subjects, ", "))
	for _, subj := range subjects {
		_, err := nc.Subscribe(subj, func(m *nats.Msg) {
			var ev eventbus.Envelope
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				fmt.Printf("⚠️ %s: %v\n", m.Subject, err)
				return
			}
			fmt.Printf("[%s] %-16s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.EventType, ev.Tenant, ev.Payload)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// parseStringList разбирает строку со списком через запятую
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
