package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/terrain-streamer/internal/logging"
	"github.com/nats-io/nats.go"
)

// NATSInvalidator реализует VersionInvalidator поверх NATS Pub/Sub.
// Повышение версии на одном узле лениво инвалидирует кеши всех остальных:
// записи не удаляются, а признаются устаревшими при следующей проверке.
//
// Входящее сообщение применяется, только если оно пришло с другого узла,
// не повторяется в окне DedupeWindow и несёт версию новее последней применённой.
type NATSInvalidator struct {
	conn    *nats.Conn
	config  *InvalidatorConfig
	nodeID  string
	log     *logging.Logger
	dedupe  *dedupeWindow
	handler BumpHandler
	sub     *nats.Subscription

	lastVersion atomic.Uint64
	published   atomic.Int64
	received    atomic.Int64
	applied     atomic.Int64
	ignored     atomic.Int64
	errors      atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// InvalidatorConfig содержит конфигурацию NATS invalidator.
type InvalidatorConfig struct {
	NATSURL       string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	DedupeWindow  time.Duration
}

// InvalidatorStats содержит счётчики invalidator
type InvalidatorStats struct {
	Published   int64  `json:"published"`
	Received    int64  `json:"received"`
	Applied     int64  `json:"applied"`
	Ignored     int64  `json:"ignored"`
	Errors      int64  `json:"errors"`
	LastVersion uint64 `json:"last_version"`
	Connected   bool   `json:"connected"`
}

func (c *InvalidatorConfig) applyDefaults() {
	if c.Subject == "" {
		c.Subject = "terrain.cache.version"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 5 * time.Second
	}
}

// NewNATSInvalidator подключается к NATS. nodeID отличает собственные сообщения от чужих.
func NewNATSInvalidator(config *InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	config.applyDefaults()
	log := logging.GetCacheLogger()

	conn, err := nats.Connect(config.NATSURL,
		nats.Name("terrain-streamer "+nodeID),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	inv := newInvalidator(conn, config, nodeID)
	inv.log = log
	inv.wg.Add(1)
	go inv.sweepLoop()

	log.Info("NATS invalidator connected to %s (subject: %s, node: %s)", config.NATSURL, config.Subject, nodeID)
	return inv, nil
}

func newInvalidator(conn *nats.Conn, config *InvalidatorConfig, nodeID string) *NATSInvalidator {
	config.applyDefaults()
	return &NATSInvalidator{
		conn:   conn,
		config: config,
		nodeID: nodeID,
		log:    logging.GetCacheLogger(),
		dedupe: newDedupeWindow(config.DedupeWindow),
		stopCh: make(chan struct{}),
	}
}

// PublishBump рассылает новую версию кеша и запоминает её как применённую.
func (n *NATSInvalidator) PublishBump(ctx context.Context, version uint64, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(VersionBumpMessage{
		CacheVersion: version,
		Reason:       reason,
		NodeID:       n.nodeID,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		n.errors.Add(1)
		return fmt.Errorf("failed to marshal version bump: %w", err)
	}
	if err := n.conn.Publish(n.config.Subject, data); err != nil {
		n.errors.Add(1)
		return fmt.Errorf("failed to publish version bump %d: %w", version, err)
	}

	n.markApplied(version)
	n.published.Add(1)
	n.log.Debug("Published cache version %d (%s)", version, reason)
	return nil
}

// SubscribeBumps подписывается на повышения версии от других узлов.
// Подписка снимается при отмене ctx или Close.
func (n *NATSInvalidator) SubscribeBumps(ctx context.Context, handler BumpHandler) error {
	if n.sub != nil {
		return fmt.Errorf("already subscribed to version bumps")
	}
	n.handler = handler

	sub, err := n.conn.Subscribe(n.config.Subject, n.handleBumpMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.config.Subject, err)
	}
	n.sub = sub

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-n.stopCh:
		}
		if err := sub.Unsubscribe(); err != nil {
			n.log.Warn("Unsubscribe from %s: %v", n.config.Subject, err)
		}
	}()

	n.log.Info("Subscribed to cache version bumps on %s", n.config.Subject)
	return nil
}

// Close снимает подписку и закрывает соединение. Повторный вызов ничего не делает.
func (n *NATSInvalidator) Close() error {
	n.closeOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		if n.conn != nil {
			n.conn.Close()
		}
	})
	return nil
}

// Stats возвращает снимок счётчиков
func (n *NATSInvalidator) Stats() InvalidatorStats {
	s := InvalidatorStats{
		Published:   n.published.Load(),
		Received:    n.received.Load(),
		Applied:     n.applied.Load(),
		Ignored:     n.ignored.Load(),
		Errors:      n.errors.Load(),
		LastVersion: n.lastVersion.Load(),
	}
	if n.conn != nil {
		s.Connected = n.conn.IsConnected()
	}
	return s
}

// SetLastVersion задаёт текущую локальную версию (например, из конфига при старте)
func (n *NATSInvalidator) SetLastVersion(version uint64) {
	n.markApplied(version)
}

func (n *NATSInvalidator) handleBumpMessage(msg *nats.Msg) {
	n.received.Add(1)

	var bump VersionBumpMessage
	if err := json.Unmarshal(msg.Data, &bump); err != nil {
		n.errors.Add(1)
		n.log.Error("Bad version bump on %s: %v", msg.Subject, err)
		return
	}

	if reason := n.rejectReason(bump); reason != "" {
		n.ignored.Add(1)
		n.log.Debug("Ignoring version bump %d from %s: %s", bump.CacheVersion, bump.NodeID, reason)
		return
	}
	if n.handler == nil {
		return
	}
	if err := n.handler(bump); err != nil {
		n.errors.Add(1)
		n.log.Error("Version bump %d not applied: %v", bump.CacheVersion, err)
		return
	}

	n.markApplied(bump.CacheVersion)
	n.applied.Add(1)
	n.log.Info("Applied cache version %d from node %s (%s)", bump.CacheVersion, bump.NodeID, bump.Reason)
}

// rejectReason возвращает причину отказа или пустую строку
func (n *NATSInvalidator) rejectReason(bump VersionBumpMessage) string {
	switch {
	case bump.NodeID == n.nodeID:
		return "own message"
	case n.dedupe.seen(bump.NodeID+"/"+strconv.FormatUint(bump.CacheVersion, 10), time.Now()):
		return "duplicate"
	case bump.CacheVersion <= n.lastVersion.Load():
		return "not newer than " + strconv.FormatUint(n.lastVersion.Load(), 10)
	}
	return ""
}

// markApplied поднимает последнюю применённую версию, не опуская её
func (n *NATSInvalidator) markApplied(version uint64) {
	for {
		cur := n.lastVersion.Load()
		if version <= cur || n.lastVersion.CompareAndSwap(cur, version) {
			return
		}
	}
}

func (n *NATSInvalidator) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.DedupeWindow)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			n.dedupe.sweep(now)
		case <-n.stopCh:
			return
		}
	}
}

// dedupeWindow помнит ключи сообщений в течение окна
type dedupeWindow struct {
	mu     sync.Mutex
	window time.Duration
	keys   map[string]time.Time
}

func newDedupeWindow(window time.Duration) *dedupeWindow {
	return &dedupeWindow{window: window, keys: make(map[string]time.Time)}
}

// seen сообщает, встречался ли ключ в окне, и запоминает его
func (d *dedupeWindow) seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	last, ok := d.keys[key]
	d.keys[key] = now
	return ok && now.Sub(last) < d.window
}

// sweep удаляет ключи старше окна
func (d *dedupeWindow) sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, ts := range d.keys {
		if now.Sub(ts) >= d.window {
			delete(d.keys, key)
			removed++
		}
	}
	return removed
}

// len для тестов
func (d *dedupeWindow) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}
