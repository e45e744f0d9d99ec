package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annel0/terrain-streamer/internal/app"
	"github.com/annel0/terrain-streamer/internal/cache"
	"github.com/annel0/terrain-streamer/internal/config"
	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/streaming"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvalidator запоминает опубликованные версии
type fakeInvalidator struct {
	published []uint64
	err       error
}

func (f *fakeInvalidator) PublishBump(_ context.Context, version uint64, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, version)
	return nil
}

func (f *fakeInvalidator) SubscribeBumps(context.Context, cache.BumpHandler) error { return nil }
func (f *fakeInvalidator) Close() error                                          { return nil }

type testEnv struct {
	server *RestServer
	loop   *app.Loop
	inv    *fakeInvalidator
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tc := config.DefaultTerrain()
	tc.Resolution = 3
	tc.GridMin = config.GridPoint{X: -4, Z: -4}
	tc.GridMax = config.GridPoint{X: 4, Z: 4}
	sc := config.DefaultStreaming()
	sc.ConcurrencyLimit = 16

	quiet := logging.NewWriterLogger("test", io.Discard, logging.ERROR)
	sink := streaming.NewMemorySink()
	s, err := streaming.NewStreamer(streaming.Options{
		Terrain:   tc,
		Streaming: sc,
		Executor:  streaming.InlineExecutor{},
		Sink:      sink,
		Logger:    quiet,
	})
	require.NoError(t, err)

	loop := app.NewLoop(s, app.LoopOptions{Interval: time.Hour, Logger: quiet})
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	reg := prometheus.NewRegistry()
	inv := &fakeInvalidator{}
	rs := NewRestServer(Config{
		Loop:        loop,
		Sink:        sink,
		Invalidator: inv,
		Registerer:  reg,
		Gatherer:    reg,
		Logger:      quiet,
	})
	return &testEnv{server: rs, loop: loop, inv: inv, cancel: cancel}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Data
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	e.cancel()
	<-e.loop.Done()
	w = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestObserversAndTiles(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPut, "/api/observers/p1", `{"x": 64, "z": 64, "radius": 1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPut, "/api/observers/p2", `{"x": "oops"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/observers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["total"])

	_, err := e.loop.Step(context.Background())
	require.NoError(t, err)

	w = e.do(t, http.MethodGet, "/api/tiles", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)
	assert.Len(t, data["loaded"], 9)
	assert.Equal(t, 1.0, data["cache_version"])
	first := data["loaded"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, -1.0, first["x"])
	assert.Equal(t, -1.0, first["z"])

	w = e.do(t, http.MethodGet, "/api/tiles/live", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 9.0, decode(t, w)["total"])

	w = e.do(t, http.MethodDelete, "/api/observers/p1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodDelete, "/api/observers/p1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestArtifactDownload(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/tiles/0/0/artifact", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, http.MethodGet, "/api/tiles/a/0/artifact", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/observers/p1", `{"x": 10, "z": 10}`).Code)
	_, err := e.loop.Step(context.Background())
	require.NoError(t, err)

	w = e.do(t, http.MethodGet, "/api/tiles/0/0/artifact", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Cache-Version"))
	a, err := terrain.Unpack(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 3, a.Resolution)
	assert.Equal(t, uint64(1), a.Version)

	// после bump запись устарела
	w = e.do(t, http.MethodPost, "/api/cache/bump", "")
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, "/api/tiles/0/0/artifact", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheBump(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/cache/bump", `{"reason": "new noise"}`)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)
	assert.Equal(t, 2.0, data["cache_version"])
	assert.Equal(t, true, data["published"])
	assert.Equal(t, []uint64{2}, e.inv.published)

	e.inv.err = errors.New("nats down")
	w = e.do(t, http.MethodPost, "/api/cache/bump", "")
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)
	assert.Equal(t, 3.0, data["cache_version"])
	assert.Equal(t, false, data["published"])

	w = e.do(t, http.MethodPost, "/api/cache/bump", `{bad`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsAndReset(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/api/observers/p1", `{"x": 10, "z": 10}`).Code)
	_, err := e.loop.Step(context.Background())
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)
	st := data["streaming"].(map[string]interface{})["stats"].(map[string]interface{})
	assert.Equal(t, 1.0, st["loaded"])
	assert.Contains(t, data["server"], "uptime")

	w = e.do(t, http.MethodPost, "/api/tracking/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["orphans"])
}

func TestLoopStoppedIs503(t *testing.T) {
	e := newTestEnv(t)
	e.cancel()
	<-e.loop.Done()

	w := e.do(t, http.MethodGet, "/api/tiles", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = e.do(t, http.MethodPut, "/api/observers/p1", `{"x": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.do(t, http.MethodGet, "/health", "")
	w := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "terrain_api_http_request_duration_seconds")
}
