package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache defines the cache interface
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = errors.New("cache miss")

// StorageKey generates the cache key of an attachment
func StorageKey(uuid string, contentType models.FileContentType) string {
	return "storage:" + uuid + ":" + strconv.Itoa(int(contentType))
}

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of cache hits",
	}, []string{"cache"})
	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total number of cache misses",
	}, []string{"cache"})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total number of entries evicted to respect the size bound",
	}, []string{"cache"})
)
