// Package objectstore persists raw and processed introspection data for
// later retrieval (spec.md's store_data/store_data_location settings),
// grounded on common/swift.py's store_introspection_data/
// get_introspection_data pair. No Swift SDK is part of this module's
// dependency stack (see DESIGN.md), so the only Store implementation here
// that keeps data is a filesystem-backed one addressed the same way Swift
// objects are: one object per (node UUID, suffix). NoopStore discards
// writes.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no object exists for the requested key.
var ErrNotFound = errors.New("objectstore: object not found")

// objectNamePrefix mirrors common/swift.py's OBJECT_NAME_PREFIX.
const objectNamePrefix = "inspector_data"

// Store persists opaque introspection payloads keyed by node UUID and an
// optional suffix ("" for the processed data, "unprocessed" for the raw
// pre-processing snapshot used by reapply).
type Store interface {
	Put(ctx context.Context, nodeUUID uuid.UUID, suffix string, data []byte) (objectName string, err error)
	Get(ctx context.Context, nodeUUID uuid.UUID, suffix string) ([]byte, error)
}

func objectName(nodeUUID uuid.UUID, suffix string) string {
	name := fmt.Sprintf("%s-%s", objectNamePrefix, nodeUUID)
	if suffix != "" {
		name = fmt.Sprintf("%s-%s", name, suffix)
	}
	return name
}

// NoopStore discards everything written to it and returns ErrNotFound for
// every read — used when store_data is configured as "none".
type NoopStore struct{}

func (NoopStore) Put(_ context.Context, nodeUUID uuid.UUID, suffix string, _ []byte) (string, error) {
	return objectName(nodeUUID, suffix), nil
}

func (NoopStore) Get(context.Context, uuid.UUID, string) ([]byte, error) {
	return nil, ErrNotFound
}

// FilesystemStore stores each object as a file under a root directory,
// addressed the same way common/swift.py addresses Swift objects.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a Store rooted at dir. dir is created if it
// does not already exist.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("objectstore: create root directory: %w", err)
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) path(nodeUUID uuid.UUID, suffix string) string {
	return filepath.Join(s.root, objectName(nodeUUID, suffix)+".json")
}

// Put writes data to disk, returning the object name it was stored under.
func (s *FilesystemStore) Put(_ context.Context, nodeUUID uuid.UUID, suffix string, data []byte) (string, error) {
	name := objectName(nodeUUID, suffix)
	if err := os.WriteFile(s.path(nodeUUID, suffix), data, 0o640); err != nil {
		return "", fmt.Errorf("objectstore: write %s: %w", name, err)
	}
	return name, nil
}

// Get reads data previously stored by Put.
func (s *FilesystemStore) Get(_ context.Context, nodeUUID uuid.UUID, suffix string) ([]byte, error) {
	data, err := os.ReadFile(s.path(nodeUUID, suffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("objectstore: read %s: %w", objectName(nodeUUID, suffix), err)
	}
	return data, nil
}
