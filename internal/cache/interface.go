package cache

import (
	"context"
	"time"
)

// VersionInvalidator рассылает и принимает повышения версии кеша между узлами.
// Повышение версии лениво инвалидирует все артефакты сразу: записи не удаляются,
// а признаются устаревшими при следующем обращении.
//
// Использование:
//
//	inv, err := NewNATSInvalidator(cfg, nodeID)
//	err = inv.PublishBump(ctx, 8, "new noise layers")
//	err = inv.SubscribeBumps(ctx, func(msg VersionBumpMessage) error { ... })
type VersionInvalidator interface {
	// PublishBump отправляет уведомление о новой версии кеша.
	PublishBump(ctx context.Context, version uint64, reason string) error

	// SubscribeBumps подписывается на повышения версии от других узлов.
	SubscribeBumps(ctx context.Context, handler BumpHandler) error

	// Close закрывает соединение.
	Close() error
}

// BumpHandler обрабатывает повышение версии кеша, полученное от другого узла.
type BumpHandler func(msg VersionBumpMessage) error

// VersionBumpMessage: сообщение о новой версии кеша.
type VersionBumpMessage struct {
	CacheVersion uint64    `json:"cache_version"`
	Reason       string    `json:"reason,omitempty"`
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Freshness: результат проверки записи против текущей версии кеша.
type Freshness int

const (
	Miss Freshness = iota
	Stale
	Fresh
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// CacheMetrics содержит счётчики тайлового кеша.
type CacheMetrics struct {
	Lookups   int64   `json:"lookups"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	StaleHits int64   `json:"stale_hits"`
	HitRatio  float64 `json:"hit_ratio"`

	Inserts   int64 `json:"inserts"`
	Evictions int64 `json:"evictions"`

	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`

	LastUpdate time.Time `json:"last_update"`
}

// Ошибки кеша
var (
	ErrCacheMiss  = NewCacheError("cache miss")
	ErrStaleEntry = NewCacheError("stale cache entry")
)

// CacheError представляет ошибку кеша.
type CacheError struct {
	Message string
}

func (e *CacheError) Error() string {
	return e.Message
}

func NewCacheError(message string) *CacheError {
	return &CacheError{Message: message}
}

// IsCacheMiss проверяет, является ли ошибка промахом кеша.
func IsCacheMiss(err error) bool {
	return err == ErrCacheMiss
}
