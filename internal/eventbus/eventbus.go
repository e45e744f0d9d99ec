package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Envelope описывает универсальный контейнер события.
// В JetStream уходит как JSON, Payload встраивается без перекодирования.
type Envelope struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"ts"`
	Source        string            `json:"source"`
	EventType     string            `json:"type"`
	Version       int               `json:"v"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Tenant        string            `json:"tenant,omitempty"` // узел-источник в кластере
	Priority      int               `json:"priority"`         // 0..9, ниже 5 можно отбросить
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Metadata      map[string]string `json:"meta,omitempty"`
}

// Filter позволяет подписаться только на нужные события. Пустой список пропускает всё.
type Filter struct {
	Types   []string
	Sources []string
}

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Handler потребляет события.
type Handler func(ctx context.Context, ev *Envelope)

// Stats агрегированные метрики шины.
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64
	InFlight  int
}

// EventBus определяет абстракцию шины событий.
// Реализации: in-memory (по умолчанию) и NATS JetStream.
type EventBus interface {
	Publish(ctx context.Context, ev *Envelope) error
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
	Metrics() Stats
	Close() error
}

// ErrBusClosed возвращается при публикации в закрытую шину
var ErrBusClosed = errors.New("eventbus: closed")

// inboxSize задаёт очередь одного подписчика
const inboxSize = 256

//================ In-Memory implementation =================//

// memoryBus раздаёт события из общего буфера по очередям подписчиков.
// Каждый подписчик получает события в порядке публикации в своей горутине;
// переполненная очередь теряет события только этого подписчика.
type memoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	stats       Stats
	buffer      chan *Envelope
	capacity    int
	quit        chan struct{}
	closeOnce   sync.Once
	closed      bool
}

type subscriber struct {
	filter  Filter
	handler Handler
	inbox   chan *Envelope
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBus создаёт in-memory Bus с указанным буфером.
// Publish событий с Priority < 5 никогда не блокируется: при полном буфере они отбрасываются.
func NewMemoryBus(capacity int) EventBus {
	if capacity <= 0 {
		capacity = 1024
	}
	mb := &memoryBus{
		subscribers: make(map[int]*subscriber),
		buffer:      make(chan *Envelope, capacity),
		capacity:    capacity,
		quit:        make(chan struct{}),
	}
	go mb.dispatchLoop()
	return mb
}

func (mb *memoryBus) count(field *uint64) {
	mb.mu.Lock()
	*field++
	mb.mu.Unlock()
}

func (mb *memoryBus) Publish(ctx context.Context, ev *Envelope) error {
	mb.mu.RLock()
	closed := mb.closed
	mb.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case mb.buffer <- ev:
		mb.count(&mb.stats.Published)
		return nil
	default:
	}

	if ev.Priority < 5 {
		mb.count(&mb.stats.Dropped)
		return nil
	}
	// высокий приоритет ждёт места или отмены контекста
	select {
	case mb.buffer <- ev:
		mb.count(&mb.stats.Published)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.quit:
		return ErrBusClosed
	}
}

func (mb *memoryBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return nil, ErrBusClosed
	}

	cctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{filter: f, handler: h, inbox: make(chan *Envelope, inboxSize), ctx: cctx, cancel: cancel}
	id := mb.nextID
	mb.nextID++
	mb.subscribers[id] = sub
	go mb.consume(sub)

	return &memSub{bus: mb, id: id}, nil
}

// consume вызывает handler подписчика по одному событию за раз
func (mb *memoryBus) consume(s *subscriber) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			s.handler(s.ctx, ev)
			mb.count(&mb.stats.Consumed)
		}
	}
}

// Close останавливает рассылку и отменяет всех подписчиков
func (mb *memoryBus) Close() error {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		for id, sub := range mb.subscribers {
			sub.cancel()
			delete(mb.subscribers, id)
		}
		mb.mu.Unlock()
		close(mb.quit)
	})
	return nil
}

func (mb *memoryBus) Metrics() Stats {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	s := mb.stats
	s.InFlight = len(mb.buffer)
	return s
}

// dispatchLoop раскладывает события по очередям подписчиков
func (mb *memoryBus) dispatchLoop() {
	for {
		var ev *Envelope
		select {
		case ev = <-mb.buffer:
		case <-mb.quit:
			return
		}

		mb.mu.RLock()
		var dropped uint64
		for _, sub := range mb.subscribers {
			if !matchFilter(ev, sub.filter) {
				continue
			}
			select {
			case sub.inbox <- ev:
			default:
				dropped++
			}
		}
		mb.mu.RUnlock()

		if dropped > 0 {
			mb.mu.Lock()
			mb.stats.Dropped += dropped
			mb.mu.Unlock()
		}
	}
}

func contains(arr []string, val string) bool {
	if len(arr) == 0 {
		return true
	}
	for _, v := range arr {
		if v == val {
			return true
		}
	}
	return false
}

func matchFilter(ev *Envelope, f Filter) bool {
	return contains(f.Types, ev.EventType) && contains(f.Sources, ev.Source)
}

type memSub struct {
	bus *memoryBus
	id  int
}

func (s *memSub) Unsubscribe() {
	s.bus.mu.Lock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		sub.cancel()
		delete(s.bus.subscribers, s.id)
	}
	s.bus.mu.Unlock()
}
