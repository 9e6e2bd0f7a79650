package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/lockregistry"
	"github.com/baremetal-inspector/inspector/internal/nodecache"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

type fakeNodes struct {
	rows map[uuid.UUID]db.Node
}

func (f *fakeNodes) Create(_ context.Context, n *db.Node) error {
	f.rows[n.UUID] = *n
	return nil
}
func (f *fakeNodes) Get(_ context.Context, id uuid.UUID) (*db.Node, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}
func (f *fakeNodes) Update(_ context.Context, n *db.Node) error {
	f.rows[n.UUID] = *n
	return nil
}
func (f *fakeNodes) Delete(_ context.Context, id uuid.UUID) error {
	delete(f.rows, id)
	return nil
}
func (f *fakeNodes) ListUUIDs(context.Context) ([]uuid.UUID, error) { return nil, nil }
func (f *fakeNodes) ListTimedOut(_ context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for id, row := range f.rows {
		if row.FinishedAt == nil && row.StartedAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	return out, nil
}
func (f *fakeNodes) ListFinishedBefore(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeAttrs struct{}

func (fakeAttrs) Create(context.Context, *db.Attribute) error                   { return nil }
func (fakeAttrs) ListByNode(context.Context, uuid.UUID) ([]db.Attribute, error) { return nil, nil }
func (fakeAttrs) DeleteByNode(context.Context, uuid.UUID) error                 { return nil }
func (fakeAttrs) FindNodeUUIDs(context.Context, map[string][]string) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeOptions struct{}

func (fakeOptions) Set(context.Context, uuid.UUID, string, db.EncryptedString) error { return nil }
func (fakeOptions) Get(context.Context, uuid.UUID, string) (db.EncryptedString, error) {
	return "", repository.ErrNotFound
}
func (fakeOptions) ListByNode(context.Context, uuid.UUID) (map[string]db.EncryptedString, error) {
	return nil, nil
}
func (fakeOptions) DeleteByNode(context.Context, uuid.UUID) error { return nil }

func TestSweeperTicksAndTimesOutStaleNodes(t *testing.T) {
	nodes := &fakeNodes{rows: map[uuid.UUID]db.Node{}}
	cache := nodecache.New(nodes, fakeAttrs{}, fakeOptions{}, lockregistry.New(zap.NewNop()), zap.NewNop())

	ctx := context.Background()
	id := uuid.New()
	if _, err := cache.AddNode(ctx, id, true, nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	row, _ := nodes.Get(ctx, id)
	row.StartedAt = time.Now().UTC().Add(-time.Hour)
	_ = nodes.Update(ctx, row)

	s, err := New(cache, Config{Interval: 50 * time.Millisecond, Timeout: time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		_ = s.Stop()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, err := nodes.Get(ctx, id)
		if err == nil && row.FinishedAt != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("node was not timed out by the sweeper within the deadline")
}
