package streaming

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/annel0/terrain-streamer/internal/config"
	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/stretchr/testify/require"
)

const testTileSize = 128.0

// manualExecutor копит задания; они завершаются только по команде теста
type manualExecutor struct {
	futures []*manualFuture
}

type manualFuture struct {
	job    Job
	done   bool
	result *terrain.Artifact
}

func (f *manualFuture) Poll() (*terrain.Artifact, bool) {
	return f.result, f.done
}

func (e *manualExecutor) Submit(_ context.Context, job Job) Future {
	f := &manualFuture{job: job}
	e.futures = append(e.futures, f)
	return f
}

// resolveAll завершает все незавершённые задания и возвращает их число
func (e *manualExecutor) resolveAll() int {
	n := 0
	for _, f := range e.futures {
		if !f.done {
			f.result = f.job()
			f.done = true
			n++
		}
	}
	return n
}

// resolveFirst завершает первые n незавершённых заданий
func (e *manualExecutor) resolveFirst(n int) {
	for _, f := range e.futures {
		if n == 0 {
			return
		}
		if !f.done {
			f.result = f.job()
			f.done = true
			n--
		}
	}
}

// failAll завершает незавершённые задания без артефакта
func (e *manualExecutor) failAll() {
	for _, f := range e.futures {
		if !f.done {
			f.done = true
		}
	}
}

// recordingSink считает spawn/despawn по координатам
type recordingSink struct {
	next      int
	live      map[int]vec.Vec2
	spawns    map[vec.Vec2]int
	despawns  map[vec.Vec2]int
	despawnAt map[vec.Vec2][]int
	tick      int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		live:      make(map[int]vec.Vec2),
		spawns:    make(map[vec.Vec2]int),
		despawns:  make(map[vec.Vec2]int),
		despawnAt: make(map[vec.Vec2][]int),
	}
}

func (s *recordingSink) Spawn(c vec.Vec2, _ *terrain.Artifact) LiveHandle {
	s.next++
	s.live[s.next] = c
	s.spawns[c]++
	return s.next
}

func (s *recordingSink) Despawn(h LiveHandle) {
	id := h.(int)
	c, ok := s.live[id]
	if !ok {
		panic("despawn of unknown handle")
	}
	delete(s.live, id)
	s.despawns[c]++
	s.despawnAt[c] = append(s.despawnAt[c], s.tick)
}

type flatHeights struct{}

func (flatHeights) HeightAt(x, z float64) float64 { return 1 }

type fixture struct {
	t        *testing.T
	streamer *Streamer
	exec     *manualExecutor
	sink     *recordingSink
	now      time.Time
}

func testTerrain() config.TerrainConfig {
	tc := config.DefaultTerrain()
	tc.Resolution = 2
	tc.VertexColors = false
	return tc
}

func newFixture(t *testing.T, mutate func(tc *config.TerrainConfig, sc *config.StreamingConfig)) *fixture {
	t.Helper()
	tc := testTerrain()
	sc := config.DefaultStreaming()
	if mutate != nil {
		mutate(&tc, &sc)
	}

	exec := &manualExecutor{}
	sink := newRecordingSink()
	s, err := NewStreamer(Options{
		Terrain:   tc,
		Streaming: sc,
		Executor:  exec,
		Sink:      sink,
		Heights:   flatHeights{},
		Logger:    logging.NewWriterLogger("streaming", io.Discard, logging.ERROR),
	})
	require.NoError(t, err)

	return &fixture{t: t, streamer: s, exec: exec, sink: sink, now: time.Unix(1000, 0)}
}

// at возвращает наблюдателя в центре тайла c
func at(c vec.Vec2, radius int) Observer {
	return Observer{
		ID:       "obs",
		Position: vec.Vec2Float{X: (float64(c.X) + 0.5) * testTileSize, Y: (float64(c.Y) + 0.5) * testTileSize},
		Radius:   radius,
	}
}

// tick продвигает время на dt и выполняет тик с проверкой инвариантов
func (f *fixture) tick(dt time.Duration, observers ...Observer) TickReport {
	f.t.Helper()
	f.now = f.now.Add(dt)
	f.sink.tick++
	r := f.streamer.Tick(context.Background(), f.now, observers)
	f.checkInvariants()
	return r
}

func (f *fixture) checkInvariants() {
	f.t.Helper()
	s := f.streamer
	lim := s.streaming.ConcurrencyLimit
	require.LessOrEqual(f.t, s.dispatcher.PendingLen(), lim, "pending exceeds concurrency limit")

	min, max := s.tracker.Bounds()
	for _, c := range s.PendingCoords() {
		require.False(f.t, s.IsLoaded(c), "coordinate %s is both pending and loaded", c)
		require.True(f.t, c.Within(min, max), "pending %s out of bounds", c)
	}
	for _, c := range s.LoadedCoords() {
		require.True(f.t, c.Within(min, max), "loaded %s out of bounds", c)
	}
	for _, c := range s.QueuedCoords() {
		require.False(f.t, s.IsLoaded(c), "loaded %s is queued", c)
	}
}

func square(center vec.Vec2, radius int) []vec.Vec2 {
	return vec.Neighborhood(center, radius)
}
