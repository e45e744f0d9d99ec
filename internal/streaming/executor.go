package streaming

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/terrain"
	"golang.org/x/sync/semaphore"
)

// Job: задание генерации. Захватывает только неизменяемый снимок параметров.
type Job func() *terrain.Artifact

// Future: неблокирующий дескриптор результата задания.
// Poll возвращает (artifact, true), когда задание завершилось; artifact == nil означает сбой.
type Future interface {
	Poll() (*terrain.Artifact, bool)
}

// Executor запускает задания вне управляющего потока. Submit не должен блокироваться.
type Executor interface {
	Submit(ctx context.Context, job Job) Future
}

// PoolExecutor ограничивает число одновременно работающих заданий семафором.
// Каждое задание получает горутину, которая ждёт слот в пуле.
type PoolExecutor struct {
	sem     *semaphore.Weighted
	workers int
	wg      sync.WaitGroup

	running   int64
	completed int64
	failed    int64
}

// NewPoolExecutor создаёт пул на workers воркеров; 0 означает runtime.NumCPU()
func NewPoolExecutor(workers int) *PoolExecutor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &PoolExecutor{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// Submit ставит задание в пул и сразу возвращает Future.
// Если ctx отменён до получения слота, Future никогда не завершится.
func (p *PoolExecutor) Submit(ctx context.Context, job Job) Future {
	f := &chanFuture{ch: make(chan *terrain.Artifact, 1)}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		atomic.AddInt64(&p.running, 1)
		defer atomic.AddInt64(&p.running, -1)

		f.ch <- p.run(job)
	}()
	return f
}

func (p *PoolExecutor) run(job Job) (a *terrain.Artifact) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.failed, 1)
			logging.Error("tile job panicked: %v", r)
			a = nil
		}
	}()
	a = job()
	atomic.AddInt64(&p.completed, 1)
	return a
}

// Wait дожидается завершения всех запущенных горутин пула
func (p *PoolExecutor) Wait() {
	p.wg.Wait()
}

// Workers возвращает размер пула
func (p *PoolExecutor) Workers() int {
	return p.workers
}

// Running возвращает число заданий, выполняющихся прямо сейчас
func (p *PoolExecutor) Running() int64 {
	return atomic.LoadInt64(&p.running)
}

// Completed возвращает число успешно завершённых заданий
func (p *PoolExecutor) Completed() int64 {
	return atomic.LoadInt64(&p.completed)
}

// Failed возвращает число заданий, завершившихся паникой
func (p *PoolExecutor) Failed() int64 {
	return atomic.LoadInt64(&p.failed)
}

// chanFuture передаёт результат через буферизованный канал на один элемент
type chanFuture struct {
	ch     chan *terrain.Artifact
	done   bool
	result *terrain.Artifact
}

// Poll не блокируется. Вызывается только из управляющего потока.
func (f *chanFuture) Poll() (*terrain.Artifact, bool) {
	if f.done {
		return f.result, true
	}
	select {
	case a := <-f.ch:
		f.done = true
		f.result = a
		return a, true
	default:
		return nil, false
	}
}

// ResolvedFuture: уже завершённый Future (синхронные исполнители и тесты)
type ResolvedFuture struct {
	Artifact *terrain.Artifact
}

func (r ResolvedFuture) Poll() (*terrain.Artifact, bool) {
	return r.Artifact, true
}

// InlineExecutor выполняет задание прямо в Submit. Подходит для CLI и тестов.
type InlineExecutor struct{}

func (InlineExecutor) Submit(_ context.Context, job Job) Future {
	return ResolvedFuture{Artifact: job()}
}
