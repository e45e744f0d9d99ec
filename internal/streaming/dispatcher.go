package streaming

import (
	"context"
	"sort"
	"time"

	"github.com/annel0/terrain-streamer/internal/terrain"
	"github.com/annel0/terrain-streamer/internal/vec"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/annel0/terrain-streamer/internal/streaming"

// PendingJob: задание генерации в полёте. Для координаты существует не больше одного.
type PendingJob struct {
	ID           uuid.UUID
	Coord        vec.Vec2
	Origin       vec.Vec2Float
	Version      uint64
	DispatchedAt time.Time
	Future       Future

	span trace.Span
}

// finish закрывает span задания
func (j *PendingJob) finish(outcome string, err error) {
	if j.span == nil {
		return
	}
	j.span.SetAttributes(attribute.String("tile.outcome", outcome))
	if err != nil {
		j.span.RecordError(err)
		j.span.SetStatus(codes.Error, err.Error())
	}
	j.span.End()
	j.span = nil
}

// JobSpec: то, что нужно для запуска задания по координате
type JobSpec struct {
	Origin  vec.Vec2Float
	Version uint64
	Run     Job
}

// DispatchOptions: параметры одного прохода диспетчера
type DispatchOptions struct {
	Now time.Time
	// Limit: максимум заданий в полёте
	Limit int
	// MaxPerTick: максимум новых заданий за проход; 0 без ограничения
	MaxPerTick int
	// Distance задаёт приоритет: меньший идёт раньше
	Distance func(vec.Vec2) int
	// Skip сообщает, что координата уже загружена или свежо закеширована
	Skip    func(vec.Vec2) bool
	Prepare func(vec.Vec2) JobSpec
}

// Completed: завершённое задание, снятое с учёта
type Completed struct {
	Job      *PendingJob
	Artifact *terrain.Artifact
}

// Dispatcher держит очередь координат и ограниченное множество заданий в полёте
type Dispatcher struct {
	executor Executor
	tracer   trace.Tracer

	queue   []vec.Vec2
	queued  map[vec.Vec2]struct{}
	pending map[vec.Vec2]*PendingJob
}

// NewDispatcher создаёт диспетчер поверх исполнителя
func NewDispatcher(executor Executor) *Dispatcher {
	return &Dispatcher{
		executor: executor,
		tracer:   otel.Tracer(tracerName),
		queued:   make(map[vec.Vec2]struct{}),
		pending:  make(map[vec.Vec2]*PendingJob),
	}
}

// Enqueue ставит координату в очередь. Повтор и уже летящая координата: тихий no-op.
func (d *Dispatcher) Enqueue(c vec.Vec2) bool {
	if _, ok := d.pending[c]; ok {
		return false
	}
	if _, ok := d.queued[c]; ok {
		return false
	}
	d.queued[c] = struct{}{}
	d.queue = append(d.queue, c)
	return true
}

// IsQueued проверяет наличие координаты в очереди
func (d *Dispatcher) IsQueued(c vec.Vec2) bool {
	_, ok := d.queued[c]
	return ok
}

// IsPending проверяет, летит ли задание для координаты
func (d *Dispatcher) IsPending(c vec.Vec2) bool {
	_, ok := d.pending[c]
	return ok
}

// QueueLen возвращает длину очереди
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

// PendingLen возвращает число заданий в полёте
func (d *Dispatcher) PendingLen() int {
	return len(d.pending)
}

// Queued возвращает копию очереди в текущем порядке
func (d *Dispatcher) Queued() []vec.Vec2 {
	return append([]vec.Vec2(nil), d.queue...)
}

// PendingCoords возвращает координаты заданий в полёте в детерминированном порядке
func (d *Dispatcher) PendingCoords() []vec.Vec2 {
	out := make([]vec.Vec2, 0, len(d.pending))
	for c := range d.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Prune убирает из очереди координаты, для которых keep вернул false
func (d *Dispatcher) Prune(keep func(vec.Vec2) bool) int {
	kept := d.queue[:0]
	removed := 0
	for _, c := range d.queue {
		if keep(c) {
			kept = append(kept, c)
			continue
		}
		delete(d.queued, c)
		removed++
	}
	d.queue = kept
	return removed
}

// Dispatch запускает задания для ближайших координат очереди, пока есть место.
// Сортировка по (distance, X, Y). Уже загруженные, свежо закешированные и летящие
// координаты снимаются с очереди. Не запущенные остаются в очереди до следующего тика.
func (d *Dispatcher) Dispatch(ctx context.Context, opts DispatchOptions) []*PendingJob {
	if opts.Limit <= 0 || len(d.queue) == 0 {
		return nil
	}

	dist := make(map[vec.Vec2]int, len(d.queue))
	for _, c := range d.queue {
		dist[c] = opts.Distance(c)
	}
	sort.SliceStable(d.queue, func(i, j int) bool {
		a, b := d.queue[i], d.queue[j]
		if dist[a] != dist[b] {
			return dist[a] < dist[b]
		}
		return a.Less(b)
	})

	var launched []*PendingJob
	rest := d.queue[:0]
	for idx, c := range d.queue {
		if len(d.pending) >= opts.Limit || (opts.MaxPerTick > 0 && len(launched) >= opts.MaxPerTick) {
			rest = append(rest, d.queue[idx:]...)
			break
		}
		if _, ok := d.pending[c]; ok || (opts.Skip != nil && opts.Skip(c)) {
			delete(d.queued, c)
			continue
		}

		job := d.launch(ctx, c, dist[c], opts)
		delete(d.queued, c)
		launched = append(launched, job)
	}
	d.queue = rest
	return launched
}

func (d *Dispatcher) launch(ctx context.Context, c vec.Vec2, distSq int, opts DispatchOptions) *PendingJob {
	spec := opts.Prepare(c)
	job := &PendingJob{
		ID:           uuid.New(),
		Coord:        c,
		Origin:       spec.Origin,
		Version:      spec.Version,
		DispatchedAt: opts.Now,
	}

	jobCtx, span := d.tracer.Start(ctx, "tile.generate", trace.WithAttributes(
		attribute.String("tile.job_id", job.ID.String()),
		attribute.Int("tile.x", c.X),
		attribute.Int("tile.z", c.Y),
		attribute.Int("tile.distance_sq", distSq),
		attribute.Int64("tile.cache_version", int64(spec.Version)),
	))
	job.span = span
	job.Future = d.executor.Submit(jobCtx, spec.Run)
	d.pending[c] = job
	return job
}

// Collect опрашивает все задания без блокировки и снимает завершённые с учёта.
// Незавершённые остаются нетронутыми.
func (d *Dispatcher) Collect() []Completed {
	var done []Completed
	for _, c := range d.PendingCoords() {
		job := d.pending[c]
		a, ok := job.Future.Poll()
		if !ok {
			continue
		}
		delete(d.pending, c)
		done = append(done, Completed{Job: job, Artifact: a})
	}
	return done
}

// Reset забывает все задания и очередь. Результаты брошенных заданий никто не заберёт.
func (d *Dispatcher) Reset() int {
	n := len(d.pending)
	for _, job := range d.pending {
		job.finish("abandoned", nil)
	}
	d.pending = make(map[vec.Vec2]*PendingJob)
	d.queue = nil
	d.queued = make(map[vec.Vec2]struct{})
	return n
}
