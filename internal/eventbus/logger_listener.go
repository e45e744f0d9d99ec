package eventbus

import (
	"context"

	"github.com/annel0/terrain-streamer/internal/logging"
)

// StartLoggingListener подписывается на события и пишет их в лог компонента eventbus.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus, f Filter) (Subscription, error) {
	log := logging.GetComponentLogger("eventbus")
	sub, err := bus.Subscribe(context.Background(), f, func(ctx context.Context, ev *Envelope) {
		log.Debug("[EventBus] %s %s src=%s prio=%d payload=%s", ev.ID, ev.EventType, ev.Source, ev.Priority, ev.Payload)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("🪵 LoggingListener: подписка на события активирована")
	return sub, nil
}
