package streaming

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExecutorResolves(t *testing.T) {
	p := NewPoolExecutor(2)
	release := make(chan struct{})

	f := p.Submit(context.Background(), func() *terrain.Artifact {
		<-release
		return &terrain.Artifact{Resolution: 2}
	})

	_, ok := f.Poll()
	assert.False(t, ok, "poll must not block or report early completion")

	close(release)
	require.Eventually(t, func() bool {
		_, ok := f.Poll()
		return ok
	}, time.Second, time.Millisecond)

	a1, _ := f.Poll()
	a2, ok := f.Poll()
	assert.True(t, ok)
	assert.Same(t, a1, a2, "result is cached after the first successful poll")

	p.Wait()
	assert.Equal(t, int64(1), p.Completed())
}

func TestPoolExecutorBoundsWorkers(t *testing.T) {
	p := NewPoolExecutor(2)
	var active, peak int64
	release := make(chan struct{})

	futures := make([]Future, 6)
	for i := range futures {
		futures[i] = p.Submit(context.Background(), func() *terrain.Artifact {
			n := atomic.AddInt64(&active, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt64(&active, -1)
			return &terrain.Artifact{}
		})
	}

	require.Eventually(t, func() bool { return p.Running() == 2 }, time.Second, time.Millisecond)
	close(release)
	p.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	for _, f := range futures {
		_, ok := f.Poll()
		assert.True(t, ok)
	}
}

func TestPoolExecutorPanicResolvesEmpty(t *testing.T) {
	p := NewPoolExecutor(1)
	f := p.Submit(context.Background(), func() *terrain.Artifact { panic("boom") })
	p.Wait()

	a, ok := f.Poll()
	assert.True(t, ok)
	assert.Nil(t, a)
	assert.Equal(t, int64(1), p.Failed())
}

func TestPoolExecutorCancelledNeverResolves(t *testing.T) {
	p := NewPoolExecutor(1)
	block := make(chan struct{})
	p.Submit(context.Background(), func() *terrain.Artifact { <-block; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	f := p.Submit(ctx, func() *terrain.Artifact { return &terrain.Artifact{} })
	cancel()
	close(block)
	p.Wait()

	_, ok := f.Poll()
	assert.False(t, ok)
}

func TestInlineExecutor(t *testing.T) {
	f := InlineExecutor{}.Submit(context.Background(), func() *terrain.Artifact { return &terrain.Artifact{Resolution: 3} })
	a, ok := f.Poll()
	require.True(t, ok)
	assert.Equal(t, 3, a.Resolution)
	assert.Positive(t, NewPoolExecutor(0).Workers())
}
