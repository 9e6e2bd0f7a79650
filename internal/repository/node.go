package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/baremetal-inspector/inspector/internal/db"
)

// NodeRepository persists Node rows — the top-level introspection record
// for one bare-metal node.
type NodeRepository interface {
	Create(ctx context.Context, node *db.Node) error
	Get(ctx context.Context, nodeUUID uuid.UUID) (*db.Node, error)
	Update(ctx context.Context, node *db.Node) error
	Delete(ctx context.Context, nodeUUID uuid.UUID) error

	// ListUUIDs returns every node UUID currently in the cache.
	ListUUIDs(ctx context.Context) ([]uuid.UUID, error)

	// ListTimedOut returns the UUIDs of unfinished nodes whose StartedAt is
	// older than olderThan — candidates for the sweeper to time out.
	ListTimedOut(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)

	// ListFinishedBefore returns the UUIDs of finished nodes whose
	// FinishedAt is older than olderThan — candidates for retention cleanup.
	ListFinishedBefore(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)
}

type gormNodeRepository struct {
	db *gorm.DB
}

// NewNodeRepository returns a NodeRepository backed by GORM.
func NewNodeRepository(database *gorm.DB) NodeRepository {
	return &gormNodeRepository{db: database}
}

func (r *gormNodeRepository) Create(ctx context.Context, node *db.Node) error {
	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("nodes: create: %w", err)
	}
	return nil
}

func (r *gormNodeRepository) Get(ctx context.Context, nodeUUID uuid.UUID) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "uuid = ?", nodeUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nodes: get: %w", err)
	}
	return &node, nil
}

func (r *gormNodeRepository) Update(ctx context.Context, node *db.Node) error {
	if err := r.db.WithContext(ctx).Save(node).Error; err != nil {
		return fmt.Errorf("nodes: update: %w", err)
	}
	return nil
}

func (r *gormNodeRepository) Delete(ctx context.Context, nodeUUID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Node{}, "uuid = ?", nodeUUID).Error; err != nil {
		return fmt.Errorf("nodes: delete: %w", err)
	}
	return nil
}

func (r *gormNodeRepository) ListUUIDs(ctx context.Context) ([]uuid.UUID, error) {
	var uuids []uuid.UUID
	if err := r.db.WithContext(ctx).Model(&db.Node{}).Pluck("uuid", &uuids).Error; err != nil {
		return nil, fmt.Errorf("nodes: list uuids: %w", err)
	}
	return uuids, nil
}

func (r *gormNodeRepository) ListTimedOut(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	var uuids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&db.Node{}).
		Where("finished_at IS NULL AND started_at < ?", olderThan).
		Pluck("uuid", &uuids).Error
	if err != nil {
		return nil, fmt.Errorf("nodes: list timed out: %w", err)
	}
	return uuids, nil
}

func (r *gormNodeRepository) ListFinishedBefore(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	var uuids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&db.Node{}).
		Where("finished_at IS NOT NULL AND finished_at < ?", olderThan).
		Pluck("uuid", &uuids).Error
	if err != nil {
		return nil, fmt.Errorf("nodes: list finished before: %w", err)
	}
	return uuids, nil
}
