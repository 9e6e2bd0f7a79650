package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/baremetal-inspector/inspector/internal/db"
)

// OptionRepository persists Option rows — transient per-node processing
// state that does not outlive one introspection.
type OptionRepository interface {
	// Set creates or overwrites the option named name for nodeUUID.
	Set(ctx context.Context, nodeUUID uuid.UUID, name string, value db.EncryptedString) error
	Get(ctx context.Context, nodeUUID uuid.UUID, name string) (db.EncryptedString, error)
	ListByNode(ctx context.Context, nodeUUID uuid.UUID) (map[string]db.EncryptedString, error)
	DeleteByNode(ctx context.Context, nodeUUID uuid.UUID) error
}

type gormOptionRepository struct {
	db *gorm.DB
}

// NewOptionRepository returns an OptionRepository backed by GORM.
func NewOptionRepository(database *gorm.DB) OptionRepository {
	return &gormOptionRepository{db: database}
}

func (r *gormOptionRepository) Set(ctx context.Context, nodeUUID uuid.UUID, name string, value db.EncryptedString) error {
	opt := db.Option{NodeUUID: nodeUUID, Name: name, Value: value}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "node_uuid"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&opt).Error
	if err != nil {
		return fmt.Errorf("options: set: %w", err)
	}
	return nil
}

func (r *gormOptionRepository) Get(ctx context.Context, nodeUUID uuid.UUID, name string) (db.EncryptedString, error) {
	var opt db.Option
	err := r.db.WithContext(ctx).
		Where("node_uuid = ? AND name = ?", nodeUUID, name).
		First(&opt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("options: get: %w", err)
	}
	return opt.Value, nil
}

func (r *gormOptionRepository) ListByNode(ctx context.Context, nodeUUID uuid.UUID) (map[string]db.EncryptedString, error) {
	var opts []db.Option
	err := r.db.WithContext(ctx).Where("node_uuid = ?", nodeUUID).Find(&opts).Error
	if err != nil {
		return nil, fmt.Errorf("options: list by node: %w", err)
	}
	out := make(map[string]db.EncryptedString, len(opts))
	for _, o := range opts {
		out[o.Name] = o.Value
	}
	return out, nil
}

func (r *gormOptionRepository) DeleteByNode(ctx context.Context, nodeUUID uuid.UUID) error {
	err := r.db.WithContext(ctx).Where("node_uuid = ?", nodeUUID).Delete(&db.Option{}).Error
	if err != nil {
		return fmt.Errorf("options: delete by node: %w", err)
	}
	return nil
}
