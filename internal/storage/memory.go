package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
)

// MemoryArea keeps blobs in a map, for tests and ephemeral servers
type MemoryArea struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryArea creates an empty in-memory area
func NewMemoryArea() *MemoryArea {
	return &MemoryArea{blobs: make(map[string][]byte)}
}

func (m *MemoryArea) Create(ctx context.Context, uuid string, data []byte, contentType models.FileContentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blobs[uuid]; exists {
		return errcode.Newf(errcode.InternalError, "blob %s already exists", uuid)
	}
	m.blobs[uuid] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryArea) Read(ctx context.Context, uuid string, contentType models.FileContentType) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[uuid]
	if !ok {
		return nil, errcode.Newf(errcode.InexistentFile, "blob %s", uuid)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryArea) ReadRange(ctx context.Context, uuid string, contentType models.FileContentType, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, errcode.Newf(errcode.BadRange, "invalid range [%d, %d)", start, end)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[uuid]
	if !ok {
		return nil, errcode.Newf(errcode.InexistentFile, "blob %s", uuid)
	}
	if int64(len(data)) < end {
		return nil, errcode.Newf(errcode.BadRange, "blob %s has %d bytes, range ends at %d", uuid, len(data), end)
	}
	return append([]byte(nil), data[start:end]...), nil
}

func (m *MemoryArea) Remove(ctx context.Context, uuid string, contentType models.FileContentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, uuid)
	return nil
}

func (m *MemoryArea) Size(ctx context.Context, uuid string, contentType models.FileContentType) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[uuid]
	if !ok {
		return 0, errcode.Newf(errcode.InexistentFile, "blob %s", uuid)
	}
	return int64(len(data)), nil
}

func (m *MemoryArea) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uuids := make([]string, 0, len(m.blobs))
	for uuid := range m.blobs {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids, nil
}

// Corrupt flips one bit of a stored blob, used by integrity tests
func (m *MemoryArea) Corrupt(uuid string, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.blobs[uuid]
	if !ok || offset < 0 || offset >= len(data) {
		return false
	}
	data[offset] ^= 0x01
	return true
}
