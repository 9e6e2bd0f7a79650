package objectstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestFilesystemStorePutGet(t *testing.T) {
	store, err := NewFilesystemStore(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}

	nodeUUID := uuid.New()
	ctx := context.Background()

	name, err := store.Put(ctx, nodeUUID, "", []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if name != "inspector_data-"+nodeUUID.String() {
		t.Fatalf("object name = %q", name)
	}

	got, err := store.Get(ctx, nodeUUID, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"hello":"world"}` {
		t.Fatalf("got %q", got)
	}
}

func TestFilesystemStoreSuffixesAreDistinctObjects(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	nodeUUID := uuid.New()
	ctx := context.Background()

	if _, err := store.Put(ctx, nodeUUID, "unprocessed", []byte("raw")); err != nil {
		t.Fatalf("Put unprocessed: %v", err)
	}
	if _, err := store.Put(ctx, nodeUUID, "", []byte("processed")); err != nil {
		t.Fatalf("Put processed: %v", err)
	}

	raw, err := store.Get(ctx, nodeUUID, "unprocessed")
	if err != nil || string(raw) != "raw" {
		t.Fatalf("unprocessed = %q, %v", raw, err)
	}
	processed, err := store.Get(ctx, nodeUUID, "")
	if err != nil || string(processed) != "processed" {
		t.Fatalf("processed = %q, %v", processed, err)
	}
}

func TestFilesystemStoreGetMissingReturnsErrNotFound(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	_, err = store.Get(context.Background(), uuid.New(), "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestNoopStoreAlwaysMisses(t *testing.T) {
	var store NoopStore
	nodeUUID := uuid.New()
	if _, err := store.Put(context.Background(), nodeUUID, "", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Get(context.Background(), nodeUUID, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
