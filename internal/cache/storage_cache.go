package cache

import (
	"context"
	"errors"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/rs/zerolog/log"
)

// StorageCache keeps recently read attachments, keyed by (uuid, content type).
// Cache failures never fail a read: they are logged and treated as misses.
type StorageCache struct {
	backend     Cache
	ttl         time.Duration
	maxItemSize int64
}

// NewStorageCache wraps a cache back-end; maxItemSize <= 0 accepts any size
func NewStorageCache(backend Cache, ttl time.Duration, maxItemSize int64) *StorageCache {
	return &StorageCache{backend: backend, ttl: ttl, maxItemSize: maxItemSize}
}

// Fetch returns the cached content of an attachment
func (s *StorageCache) Fetch(ctx context.Context, uuid string, contentType models.FileContentType) ([]byte, bool) {
	data, err := s.backend.Get(ctx, StorageKey(uuid, contentType))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("uuid", uuid).Msg("Storage cache read failed")
		}
		return nil, false
	}
	return data, true
}

// Add stores the uncompressed content of an attachment
func (s *StorageCache) Add(ctx context.Context, uuid string, contentType models.FileContentType, data []byte) {
	if s.maxItemSize > 0 && int64(len(data)) > s.maxItemSize {
		return
	}
	if err := s.backend.Set(ctx, StorageKey(uuid, contentType), data, s.ttl); err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Msg("Storage cache write failed")
	}
}

// Invalidate forgets an attachment
func (s *StorageCache) Invalidate(ctx context.Context, uuid string, contentType models.FileContentType) {
	if err := s.backend.Delete(ctx, StorageKey(uuid, contentType)); err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Msg("Storage cache invalidation failed")
	}
}

// Clear forgets every attachment
func (s *StorageCache) Clear(ctx context.Context) error {
	return s.backend.Clear(ctx, "storage:*")
}
