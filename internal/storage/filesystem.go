package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
	"github.com/otcheredev/ris-dicom-store/internal/models"
	"github.com/otcheredev/ris-dicom-store/internal/toolbox"
	"github.com/rs/zerolog/log"
)

const (
	defaultDirPerms  = 0750
	defaultFilePerms = 0640
)

// FilesystemArea stores each blob in root/xx/yy/uuid
type FilesystemArea struct {
	root  string
	fsync bool
}

// NewFilesystemArea creates the root directory if needed
func NewFilesystemArea(root string, fsync bool) (*FilesystemArea, error) {
	if err := os.MkdirAll(root, defaultDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", root, err)
	}
	return &FilesystemArea{root: root, fsync: fsync}, nil
}

// Root returns the storage directory
func (a *FilesystemArea) Root() string {
	return a.root
}

func (a *FilesystemArea) path(uuid string) (string, error) {
	if !toolbox.IsUUID(uuid) {
		return "", errcode.Newf(errcode.BadParameterType, "not a UUID: %q", uuid)
	}
	return filepath.Join(a.root, uuid[0:2], uuid[2:4], uuid), nil
}

func (a *FilesystemArea) Create(ctx context.Context, uuid string, data []byte, contentType models.FileContentType) error {
	path, err := a.path(uuid)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, uuid+".*.new")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write blob %s: %w", uuid, err)
	}
	if a.fsync {
		if err := tmp.Sync(); err != nil {
			cleanup()
			return fmt.Errorf("failed to sync blob %s: %w", uuid, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close blob %s: %w", uuid, err)
	}
	if err := os.Chmod(tmpName, defaultFilePerms); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on blob %s: %w", uuid, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish blob %s: %w", uuid, err)
	}
	return nil
}

func (a *FilesystemArea) Read(ctx context.Context, uuid string, contentType models.FileContentType) ([]byte, error) {
	path, err := a.path(uuid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errcode.Newf(errcode.InexistentFile, "blob %s", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", uuid, err)
	}
	return data, nil
}

func (a *FilesystemArea) ReadRange(ctx context.Context, uuid string, contentType models.FileContentType, start, end int64) ([]byte, error) {
	if start < 0 || end < start {
		return nil, errcode.Newf(errcode.BadRange, "invalid range [%d, %d)", start, end)
	}
	path, err := a.path(uuid)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errcode.Newf(errcode.InexistentFile, "blob %s", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", uuid, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob %s: %w", uuid, err)
	}
	if st.Size() < end {
		return nil, errcode.Newf(errcode.BadRange, "blob %s has %d bytes, range ends at %d", uuid, st.Size(), end)
	}

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if n < len(buf) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read range of blob %s: %w", uuid, err)
	}
	return buf, nil
}

func (a *FilesystemArea) Remove(ctx context.Context, uuid string, contentType models.FileContentType) error {
	path, err := a.path(uuid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %s: %w", uuid, err)
	}

	// Prune the shard directories when they become empty
	for dir := filepath.Dir(path); dir != a.root; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (a *FilesystemArea) Size(ctx context.Context, uuid string, contentType models.FileContentType) (int64, error) {
	path, err := a.path(uuid)
	if err != nil {
		return 0, err
	}
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errcode.Newf(errcode.InexistentFile, "blob %s", uuid)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat blob %s: %w", uuid, err)
	}
	return st.Size(), nil
}

func (a *FilesystemArea) List(ctx context.Context) ([]string, error) {
	var uuids []string
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if toolbox.IsUUID(name) {
			uuids = append(uuids, name)
		} else {
			log.Debug().Str("path", path).Msg("Ignoring foreign file in storage area")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list storage area: %w", err)
	}
	return uuids, nil
}
