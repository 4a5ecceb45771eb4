package storage

import (
	"context"

	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// Area is a blob store keyed by attachment UUID.
// Implementations must be safe for concurrent use.
type Area interface {
	// Create writes a blob once; uuid must not exist yet
	Create(ctx context.Context, uuid string, data []byte, contentType models.FileContentType) error
	// Read fails with InexistentFile if the blob is absent
	Read(ctx context.Context, uuid string, contentType models.FileContentType) ([]byte, error)
	// ReadRange reads [start, end) and fails with BadRange past the end of the blob
	ReadRange(ctx context.Context, uuid string, contentType models.FileContentType, start, end int64) ([]byte, error)
	// Remove is a no-op on a missing blob
	Remove(ctx context.Context, uuid string, contentType models.FileContentType) error
	// List enumerates the stored UUIDs, for integrity tools
	List(ctx context.Context) ([]string, error)
}

// Sizer is implemented by areas able to report the size of a blob without reading it
type Sizer interface {
	Size(ctx context.Context, uuid string, contentType models.FileContentType) (int64, error)
}
