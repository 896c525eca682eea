// CheckCache — LRU-кэш результатов живой проверки хранилищ с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ev_status_cache_hits_total",
		Help: "Общее количество попаданий в кэш живых проверок.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ev_status_cache_misses_total",
		Help: "Общее количество промахов кэша живых проверок.",
	})
)

// liveCheck — результат живой проверки одной записи.
type liveCheck struct {
	Drift       []string
	DealState   *string
	DealMessage *string
	CheckedAt   time.Time
}

// CheckCache — кэш живых проверок.
// Ключ включает состояния tier A и tier B: смена состояния записи
// делает прежний результат недостижимым.
type CheckCache struct {
	cache *expirable.LRU[string, *liveCheck]
}

// NewCheckCache создаёт кэш с указанным максимальным размером и TTL.
func NewCheckCache(maxSize int, ttl time.Duration) *CheckCache {
	return &CheckCache{cache: expirable.NewLRU[string, *liveCheck](maxSize, nil, ttl)}
}

// checkKey — ключ кэша для записи в её текущих состояниях.
func checkKey(rec *model.FileRecord) string {
	return fmt.Sprintf("%s|%s|%s", rec.ID, rec.TierAState, rec.TierBState)
}

// Get возвращает результат проверки. Обновляет метрики hit/miss.
func (c *CheckCache) Get(key string) (*liveCheck, bool) {
	val, ok := c.cache.Get(key)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set сохраняет результат успешной проверки.
func (c *CheckCache) Set(key string, check *liveCheck) {
	c.cache.Add(key, check)
}

// Len — текущее количество записей.
func (c *CheckCache) Len() int {
	return c.cache.Len()
}
