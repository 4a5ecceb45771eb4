package accessor

import (
	"context"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/cache"
	"github.com/otcheredev/ris-dicom-store/internal/compression"
	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/storage"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	createDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dicomstore",
		Subsystem: "storage",
		Name:      "create_seconds",
		Help:      "Time spent writing attachments to the storage area",
		Buckets:   prometheus.DefBuckets,
	})
	readDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dicomstore",
		Subsystem: "storage",
		Name:      "read_seconds",
		Help:      "Time spent reading attachments from the storage area",
		Buckets:   prometheus.DefBuckets,
	})
	removeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dicomstore",
		Subsystem: "storage",
		Name:      "remove_seconds",
		Help:      "Time spent removing attachments from the storage area",
		Buckets:   prometheus.DefBuckets,
	})
	writtenBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dicomstore",
		Subsystem: "storage",
		Name:      "written_bytes_total",
		Help:      "Bytes written to the storage area after compression",
	})
)

// Accessor reads and writes attachments through compression, MD5 and the optional cache
type Accessor struct {
	area  storage.Area
	cache *cache.StorageCache
}

// New creates an accessor; storageCache may be nil
func New(area storage.Area, storageCache *cache.StorageCache) *Accessor {
	return &Accessor{area: area, cache: storageCache}
}

// Area returns the underlying storage area
func (a *Accessor) Area() storage.Area {
	return a.area
}

// Write stores a new blob and describes it. The caller is responsible for
// removing it if the index cannot reference it.
func (a *Accessor) Write(ctx context.Context, data []byte, contentType models.FileContentType, compressionType models.CompressionType, storeMD5 bool) (models.FileInfo, error) {
	codec, err := compression.ForType(compressionType)
	if err != nil {
		return models.FileInfo{}, err
	}

	info := models.FileInfo{
		UUID:             toolbox.GenerateUUID(),
		ContentType:      contentType,
		UncompressedSize: int64(len(data)),
		CompressionType:  compressionType,
	}
	if storeMD5 {
		info.UncompressedMD5 = toolbox.ComputeMD5(data)
	}

	payload, err := codec.Compress(data)
	if err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to compress attachment: %w", err)
	}
	info.CompressedSize = int64(len(payload))

	if storeMD5 {
		if compressionType == models.CompressionNone {
			info.CompressedMD5 = info.UncompressedMD5
		} else {
			info.CompressedMD5 = toolbox.ComputeMD5(payload)
		}
	}

	start := time.Now()
	if err := a.area.Create(ctx, info.UUID, payload, contentType); err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to create attachment %s: %w", info.UUID, err)
	}
	createDuration.Observe(time.Since(start).Seconds())
	writtenBytes.Add(float64(len(payload)))

	return info, nil
}

// Read returns the uncompressed content of an attachment, verifying its size and MD5
func (a *Accessor) Read(ctx context.Context, info models.FileInfo) ([]byte, error) {
	if a.cache != nil {
		if data, ok := a.cache.Fetch(ctx, info.UUID, info.ContentType); ok {
			return data, nil
		}
	}

	codec, err := compression.ForType(info.CompressionType)
	if err != nil {
		return nil, err
	}

	raw, err := a.readRaw(ctx, info)
	if err != nil {
		return nil, err
	}

	data, err := codec.Uncompress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to uncompress attachment %s: %w", info.UUID, err)
	}

	if int64(len(data)) != info.UncompressedSize {
		return nil, errcode.Newf(errcode.CorruptedFile, "attachment %s has %d bytes, expected %d", info.UUID, len(data), info.UncompressedSize)
	}
	if info.HasMD5() && toolbox.ComputeMD5(data) != info.UncompressedMD5 {
		return nil, errcode.Newf(errcode.CorruptedFile, "MD5 mismatch on attachment %s", info.UUID)
	}

	if a.cache != nil {
		a.cache.Add(ctx, info.UUID, info.ContentType, data)
	}
	return data, nil
}

// ReadRaw returns the attachment as stored, without uncompressing it
func (a *Accessor) ReadRaw(ctx context.Context, info models.FileInfo) ([]byte, error) {
	return a.readRaw(ctx, info)
}

func (a *Accessor) readRaw(ctx context.Context, info models.FileInfo) ([]byte, error) {
	start := time.Now()
	raw, err := a.area.Read(ctx, info.UUID, info.ContentType)
	if err != nil {
		return nil, err
	}
	readDuration.Observe(time.Since(start).Seconds())
	return raw, nil
}

// ReadRange reads [start, end) of an uncompressed attachment, bypassing the cache
func (a *Accessor) ReadRange(ctx context.Context, info models.FileInfo, start, end int64) ([]byte, error) {
	if info.CompressionType != models.CompressionNone {
		return nil, errcode.Newf(errcode.BadParameterType, "range reads need an uncompressed attachment, %s uses %s", info.UUID, info.CompressionType)
	}

	t := time.Now()
	data, err := a.area.ReadRange(ctx, info.UUID, info.ContentType, start, end)
	if err != nil {
		return nil, err
	}
	readDuration.Observe(time.Since(t).Seconds())
	return data, nil
}

// Remove deletes the blob of an attachment and its cache entry
func (a *Accessor) Remove(ctx context.Context, info models.FileInfo) error {
	return a.RemoveByUUID(ctx, info.UUID, info.ContentType)
}

// RemoveByUUID deletes a blob and its cache entry
func (a *Accessor) RemoveByUUID(ctx context.Context, uuid string, contentType models.FileContentType) error {
	if a.cache != nil {
		a.cache.Invalidate(ctx, uuid, contentType)
	}

	start := time.Now()
	if err := a.area.Remove(ctx, uuid, contentType); err != nil {
		return fmt.Errorf("failed to remove attachment %s: %w", uuid, err)
	}
	removeDuration.Observe(time.Since(start).Seconds())
	return nil
}

// VerifyMD5 checks the stored blob against both MD5s of its descriptor
func (a *Accessor) VerifyMD5(ctx context.Context, info models.FileInfo) error {
	if !info.HasMD5() {
		return errcode.Newf(errcode.BadRequest, "attachment %s was stored without MD5", info.UUID)
	}

	raw, err := a.readRaw(ctx, info)
	if err != nil {
		return err
	}
	if toolbox.ComputeMD5(raw) != info.CompressedMD5 {
		return errcode.Newf(errcode.CorruptedFile, "compressed MD5 mismatch on attachment %s", info.UUID)
	}

	codec, err := compression.ForType(info.CompressionType)
	if err != nil {
		return err
	}
	data, err := codec.Uncompress(raw)
	if err != nil {
		return err
	}
	if toolbox.ComputeMD5(data) != info.UncompressedMD5 {
		return errcode.Newf(errcode.CorruptedFile, "MD5 mismatch on attachment %s", info.UUID)
	}
	return nil
}
