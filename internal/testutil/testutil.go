// Package testutil builds throwaway databases and helpers shared by tests
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/otcheredev/ris-dicom-store/internal/accessor"
	"github.com/otcheredev/ris-dicom-store/internal/database"
	"github.com/otcheredev/ris-dicom-store/internal/index"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/parser"
	"github.com/otcheredev/ris-dicom-store/internal/repository"
	"github.com/otcheredev/ris-dicom-store/internal/services"
	"github.com/otcheredev/ris-dicom-store/internal/storage"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB opens a migrated sqlite database in a temporary directory
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver:   "sqlite",
		Path:     filepath.Join(t.TempDir(), "index.db"),
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewBackend returns an index backend over a fresh database
func NewBackend(t testing.TB) *repository.IndexBackend {
	return repository.NewIndexBackend(NewDB(t))
}

// ChangeRecorder is a publisher that keeps every batch it receives
type ChangeRecorder struct {
	mu      sync.Mutex
	batches [][]models.Change
}

// Publish records a batch
func (r *ChangeRecorder) Publish(changes []models.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make([]models.Change, len(changes))
	copy(batch, changes)
	r.batches = append(r.batches, batch)
}

// Batches returns the recorded batches
func (r *ChangeRecorder) Batches() [][]models.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.Change(nil), r.batches...)
}

// All returns every recorded change in publication order
func (r *ChangeRecorder) All() []models.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Change
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

// Types returns the types of every recorded change
func (r *ChangeRecorder) Types() []models.ChangeType {
	var out []models.ChangeType
	for _, c := range r.All() {
		out = append(out, c.ChangeType)
	}
	return out
}

// Reset forgets the recorded batches
func (r *ChangeRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = nil
}

// Env wires an index, an in-memory storage area and the store orchestrator
type Env struct {
	Index   *index.Index
	Area    *storage.MemoryArea
	Files   *accessor.Accessor
	Changes *ChangeRecorder
	Store   *services.InstanceService
}

// NewEnv builds an Env over a fresh sqlite database
func NewEnv(t testing.TB, indexOpts index.Options, storeOpts services.StoreOptions) *Env {
	area := storage.NewMemoryArea()
	files := accessor.New(area, nil)
	changes := &ChangeRecorder{}
	idx := index.New(NewBackend(t), files, changes, indexOpts)
	return &Env{
		Index:   idx,
		Area:    area,
		Files:   files,
		Changes: changes,
		Store:   services.NewInstanceService(idx, files, storeOpts),
	}
}

// StoreTags encodes and ingests an instance carrying tags
func (e *Env) StoreTags(t testing.TB, tags models.DicomMap) (services.StoreResult, error) {
	t.Helper()
	p, err := parser.Parse(DicomFile(t, tags))
	require.NoError(t, err)
	p.Origin = models.Origin{RequestOrigin: models.OriginRestAPI, RemoteIP: "127.0.0.1"}
	return e.Store.Store(context.Background(), p)
}

// BlobCount returns the number of blobs in the storage area
func (e *Env) BlobCount(t testing.TB) int {
	t.Helper()
	uuids, err := e.Area.List(context.Background())
	require.NoError(t, err)
	return len(uuids)
}
