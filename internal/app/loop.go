package app

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/annel0/terrain-streamer/internal/eventbus"
	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/annel0/terrain-streamer/internal/streaming"
)

const (
	EventObserverJoined = "observer.joined"
	EventObserverLeft   = "observer.left"
)

var (
	// ErrLoopStopped возвращается командам, пришедшим после остановки цикла
	ErrLoopStopped = errors.New("app: loop stopped")
	// ErrEmptyObserverID: наблюдатель без идентификатора
	ErrEmptyObserverID = errors.New("app: observer id is empty")
)

// Snapshot: состояние, опубликованное после тика. Читается без блокировок.
type Snapshot struct {
	Stats     streaming.Stats `json:"stats"`
	Observers int             `json:"observers"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LoopOptions: параметры управляющего цикла
type LoopOptions struct {
	// Interval по умолчанию берётся из конфигурации стримера
	Interval time.Duration
	Now      func() time.Time
	Logger   *logging.Logger
}

type command struct {
	fn    func() error
	reply chan error
}

// Loop владеет стримером и реестром наблюдателей. Все обращения к ним идут
// через одну горутину: тики по таймеру и команды между тиками.
type Loop struct {
	streamer  *streaming.Streamer
	observers map[string]streaming.Observer

	interval time.Duration
	now      func() time.Time
	log      *logging.Logger

	commands chan command
	done     chan struct{}
	started  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
}

// NewLoop создаёт цикл вокруг стримера. Цикл не запущен до вызова Run.
func NewLoop(s *streaming.Streamer, opts LoopOptions) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = s.StreamingConfig().TickInterval()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetComponentLogger("app")
	}

	l := &Loop{
		streamer:  s,
		observers: make(map[string]streaming.Observer),
		interval:  opts.Interval,
		now:       opts.Now,
		log:       opts.Logger,
		commands:  make(chan command),
		done:      make(chan struct{}),
	}
	l.publish()
	return l
}

// Run крутит цикл до отмены ctx. Повторный вызов ничего не делает.
func (l *Loop) Run(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("Control loop started: interval=%s", l.interval)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Control loop stopped after %d ticks", l.streamer.Stats().Tick)
			return
		case cmd := <-l.commands:
			cmd.reply <- cmd.fn()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Done закрывается, когда цикл остановлен
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) tick(ctx context.Context) streaming.TickReport {
	observers := make([]streaming.Observer, 0, len(l.observers))
	for _, o := range l.observers {
		observers = append(observers, o)
	}
	sort.Slice(observers, func(i, j int) bool { return observers[i].ID < observers[j].ID })

	r := l.streamer.Tick(ctx, l.now(), observers)
	if r.Duration > l.interval {
		l.log.Warn("Slow tick %d: %s > %s", r.Tick, r.Duration, l.interval)
	}
	if r.Dispatched > 0 || r.Spawned > 0 || r.Unloaded > 0 {
		l.log.Debug("Tick %d: desired=%d dispatched=%d spawned=%d+%d unloaded=%d failed=%d",
			r.Tick, r.Desired, r.Dispatched, r.Spawned, r.SpawnedFromCache, r.Unloaded, r.Failed)
	}
	l.publish()
	return r
}

func (l *Loop) publish() {
	l.snapshot.Store(&Snapshot{
		Stats:     l.streamer.Stats(),
		Observers: len(l.observers),
		UpdatedAt: l.now(),
	})
}

// Snapshot возвращает последнее опубликованное состояние
func (l *Loop) Snapshot() Snapshot {
	return *l.snapshot.Load()
}

// exec отправляет команду в цикл и ждёт её выполнения
func (l *Loop) exec(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case l.commands <- cmd:
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// команда уже принята циклом, ответ придёт до следующего select
	return <-cmd.reply
}

// Do выполняет fn над стримером между тиками
func (l *Loop) Do(ctx context.Context, fn func(s *streaming.Streamer) error) error {
	return l.exec(ctx, func() error { return fn(l.streamer) })
}

// Step выполняет внеочередной тик
func (l *Loop) Step(ctx context.Context) (streaming.TickReport, error) {
	var r streaming.TickReport
	err := l.exec(ctx, func() error {
		r = l.tick(ctx)
		return nil
	})
	return r, err
}

// SetObserver добавляет или обновляет наблюдателя
func (l *Loop) SetObserver(ctx context.Context, o streaming.Observer) error {
	if o.ID == "" {
		return ErrEmptyObserverID
	}
	return l.exec(ctx, func() error {
		if _, ok := l.observers[o.ID]; !ok {
			l.log.Info("Observer %s joined at (%.1f, %.1f) r=%d", o.ID, o.Position.X, o.Position.Y, o.Radius)
			l.announce(ctx, EventObserverJoined, o)
		}
		l.observers[o.ID] = o
		return nil
	})
}

// RemoveObserver удаляет наблюдателя; false, если такого не было
func (l *Loop) RemoveObserver(ctx context.Context, id string) (bool, error) {
	var found bool
	err := l.exec(ctx, func() error {
		_, found = l.observers[id]
		if found {
			l.announce(ctx, EventObserverLeft, l.observers[id])
			delete(l.observers, id)
			l.log.Info("Observer %s left", id)
		}
		return nil
	})
	return found, err
}

// Observers возвращает наблюдателей, отсортированных по ID
func (l *Loop) Observers(ctx context.Context) ([]streaming.Observer, error) {
	var out []streaming.Observer
	err := l.exec(ctx, func() error {
		out = make([]streaming.Observer, 0, len(l.observers))
		for _, o := range l.observers {
			out = append(out, o)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

// announce публикует событие наблюдателя в глобальную шину, если она есть
func (l *Loop) announce(ctx context.Context, eventType string, o streaming.Observer) {
	ev, err := eventbus.NewEnvelope(eventType, "app", 1, o)
	if err != nil {
		l.log.Warn("observer event: %v", err)
		return
	}
	_ = eventbus.Publish(ctx, ev)
}
