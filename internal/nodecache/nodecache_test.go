package nodecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baremetal-inspector/inspector/internal/db"
	"github.com/baremetal-inspector/inspector/internal/lockregistry"
	"github.com/baremetal-inspector/inspector/internal/repository"
)

// --- in-memory fakes implementing the repository interfaces ---

type fakeNodes struct {
	mu   sync.Mutex
	rows map[uuid.UUID]db.Node
}

func newFakeNodes() *fakeNodes { return &fakeNodes{rows: map[uuid.UUID]db.Node{}} }

func (f *fakeNodes) Create(_ context.Context, n *db.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[n.UUID] = *n
	return nil
}

func (f *fakeNodes) Get(_ context.Context, id uuid.UUID) (*db.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &row, nil
}

func (f *fakeNodes) Update(_ context.Context, n *db.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[n.UUID]; !ok {
		return repository.ErrNotFound
	}
	f.rows[n.UUID] = *n
	return nil
}

func (f *fakeNodes) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeNodes) ListUUIDs(_ context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id := range f.rows {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeNodes) ListTimedOut(_ context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id, row := range f.rows {
		if row.FinishedAt == nil && row.StartedAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeNodes) ListFinishedBefore(_ context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id, row := range f.rows {
		if row.FinishedAt != nil && row.FinishedAt.Before(olderThan) {
			out = append(out, id)
		}
	}
	return out, nil
}

type attrKey struct {
	name  string
	value string
}

type fakeAttrs struct {
	mu   sync.Mutex
	rows map[attrKey]uuid.UUID
}

func newFakeAttrs() *fakeAttrs { return &fakeAttrs{rows: map[attrKey]uuid.UUID{}} }

func (f *fakeAttrs) Create(_ context.Context, a *db.Attribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := attrKey{a.Name, a.Value}
	if owner, ok := f.rows[k]; ok && owner != a.NodeUUID {
		return repository.ErrDuplicateAttribute
	}
	f.rows[k] = a.NodeUUID
	return nil
}

func (f *fakeAttrs) ListByNode(_ context.Context, id uuid.UUID) ([]db.Attribute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Attribute
	for k, owner := range f.rows {
		if owner == id {
			out = append(out, db.Attribute{NodeUUID: id, Name: k.name, Value: k.value})
		}
	}
	return out, nil
}

func (f *fakeAttrs) DeleteByNode(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, owner := range f.rows {
		if owner == id {
			delete(f.rows, k)
		}
	}
	return nil
}

func (f *fakeAttrs) FindNodeUUIDs(_ context.Context, pairs map[string][]string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	for name, values := range pairs {
		for _, v := range values {
			if owner, ok := f.rows[attrKey{name, v}]; ok {
				seen[owner] = struct{}{}
			}
		}
	}
	var out []uuid.UUID
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

type fakeOptions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]map[string]db.EncryptedString
}

func newFakeOptions() *fakeOptions {
	return &fakeOptions{rows: map[uuid.UUID]map[string]db.EncryptedString{}}
}

func (f *fakeOptions) Set(_ context.Context, id uuid.UUID, name string, value db.EncryptedString) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[id] == nil {
		f.rows[id] = map[string]db.EncryptedString{}
	}
	f.rows[id][name] = value
	return nil
}

func (f *fakeOptions) Get(_ context.Context, id uuid.UUID, name string) (db.EncryptedString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[id][name]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (f *fakeOptions) ListByNode(_ context.Context, id uuid.UUID) (map[string]db.EncryptedString, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]db.EncryptedString{}
	for k, v := range f.rows[id] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeOptions) DeleteByNode(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func newTestCache() (*Cache, *fakeNodes, *fakeAttrs, *fakeOptions) {
	nodes := newFakeNodes()
	attrs := newFakeAttrs()
	opts := newFakeOptions()
	c := New(nodes, attrs, opts, lockregistry.New(zap.NewNop()), zap.NewNop())
	return c, nodes, attrs, opts
}

func TestAddNodeAndFindNode(t *testing.T) {
	c, _, _, _ := newTestCache()
	ctx := context.Background()
	id := uuid.New()

	_, err := c.AddNode(ctx, id, true, map[string][]string{
		"mac": {"aa:bb:cc:dd:ee:ff"},
	})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	found, err := c.FindNode(ctx, "", []string{"aa:bb:cc:dd:ee:ff"})
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	defer found.ReleaseLock()

	if found.UUID != id {
		t.Fatalf("FindNode returned %s, want %s", found.UUID, id)
	}
	if !found.Locked() {
		t.Fatalf("FindNode result should be locked")
	}
}

func TestFindNodeNotFound(t *testing.T) {
	c, _, _, _ := newTestCache()
	if _, err := c.FindNode(context.Background(), "", []string{"no:such:mac"}); err != ErrNotFoundInCache {
		t.Fatalf("FindNode error = %v, want ErrNotFoundInCache", err)
	}
}

func TestAddAttributeDuplicateAcrossNodes(t *testing.T) {
	c, _, _, _ := newTestCache()
	ctx := context.Background()

	first, err := c.AddNode(ctx, uuid.New(), true, map[string][]string{"mac": {"11:22:33:44:55:66"}})
	if err != nil {
		t.Fatalf("AddNode(first): %v", err)
	}

	second, err := c.AddNode(ctx, uuid.New(), true, nil)
	if err != nil {
		t.Fatalf("AddNode(second): %v", err)
	}

	if err := second.AddAttribute(ctx, "mac", "11:22:33:44:55:66"); err != ErrDuplicateAttribute {
		t.Fatalf("AddAttribute error = %v, want ErrDuplicateAttribute", err)
	}

	_ = first
}

func TestFinishedReleasesLockAndClearsState(t *testing.T) {
	c, nodes, attrs, opts := newTestCache()
	ctx := context.Background()
	id := uuid.New()

	info, err := c.AddNode(ctx, id, true, map[string][]string{"mac": {"de:ad:be:ef:00:01"}})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := info.AcquireLock(ctx); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := info.SetOption(ctx, "new_ipmi_credentials", "secret"); err != nil {
		t.Fatalf("SetOption: %v", err)
	}

	if err := info.Finished(ctx, ""); err != nil {
		t.Fatalf("Finished: %v", err)
	}

	if info.Locked() {
		t.Fatalf("node still locked after Finished")
	}

	row, err := nodes.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after Finished: %v", err)
	}
	if row.FinishedAt == nil {
		t.Fatalf("FinishedAt not set after Finished")
	}

	remainingAttrs, _ := attrs.ListByNode(ctx, id)
	if len(remainingAttrs) != 0 {
		t.Fatalf("attributes not cleared after Finished, got %d", len(remainingAttrs))
	}
	remainingOpts, _ := opts.ListByNode(ctx, id)
	if len(remainingOpts) != 0 {
		t.Fatalf("options not cleared after Finished, got %d", len(remainingOpts))
	}
}

func TestDeleteNodesNotIn(t *testing.T) {
	c, nodes, _, _ := newTestCache()
	ctx := context.Background()

	keep := uuid.New()
	drop := uuid.New()

	if _, err := c.AddNode(ctx, keep, true, nil); err != nil {
		t.Fatalf("AddNode(keep): %v", err)
	}
	if _, err := c.AddNode(ctx, drop, true, nil); err != nil {
		t.Fatalf("AddNode(drop): %v", err)
	}

	deleted, err := c.DeleteNodesNotIn(ctx, []uuid.UUID{keep})
	if err != nil {
		t.Fatalf("DeleteNodesNotIn: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != drop {
		t.Fatalf("DeleteNodesNotIn = %v, want [%s]", deleted, drop)
	}

	if _, err := nodes.Get(ctx, drop); err != repository.ErrNotFound {
		t.Fatalf("dropped node still present: err = %v", err)
	}
	if _, err := nodes.Get(ctx, keep); err != nil {
		t.Fatalf("kept node missing: %v", err)
	}
}

func TestCleanUpTimesOutStaleNodes(t *testing.T) {
	c, nodes, _, _ := newTestCache()
	ctx := context.Background()
	id := uuid.New()

	if _, err := c.AddNode(ctx, id, true, nil); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	row, _ := nodes.Get(ctx, id)
	row.StartedAt = time.Now().UTC().Add(-time.Hour)
	if err := nodes.Update(ctx, row); err != nil {
		t.Fatalf("Update: %v", err)
	}

	timedOut, err := c.CleanUp(ctx, time.Minute, 0)
	if err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	if len(timedOut) != 1 || timedOut[0] != id {
		t.Fatalf("CleanUp = %v, want [%s]", timedOut, id)
	}

	after, err := nodes.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after CleanUp: %v", err)
	}
	if after.FinishedAt == nil {
		t.Fatalf("node not marked finished after timeout")
	}
}
