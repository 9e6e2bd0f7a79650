package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/baremetal-inspector/inspector/internal/db"
)

// RuleRepository persists Rule rows — the stored condition/action pairs
// the rules engine evaluates against every node.
type RuleRepository interface {
	Create(ctx context.Context, rule *db.Rule) error
	Get(ctx context.Context, id uuid.UUID) (*db.Rule, error)
	List(ctx context.Context) ([]db.Rule, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteAll(ctx context.Context) error
}

type gormRuleRepository struct {
	db *gorm.DB
}

// NewRuleRepository returns a RuleRepository backed by GORM.
func NewRuleRepository(database *gorm.DB) RuleRepository {
	return &gormRuleRepository{db: database}
}

func (r *gormRuleRepository) Create(ctx context.Context, rule *db.Rule) error {
	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("rules: create: %w", err)
	}
	return nil
}

func (r *gormRuleRepository) Get(ctx context.Context, id uuid.UUID) (*db.Rule, error) {
	var rule db.Rule
	err := r.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rules: get: %w", err)
	}
	return &rule, nil
}

func (r *gormRuleRepository) List(ctx context.Context) ([]db.Rule, error) {
	var rules []db.Rule
	if err := r.db.WithContext(ctx).Order("created_at").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	return rules, nil
}

func (r *gormRuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&db.Rule{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("rules: delete: %w", err)
	}
	return nil
}

func (r *gormRuleRepository) DeleteAll(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&db.Rule{}).Error; err != nil {
		return fmt.Errorf("rules: delete all: %w", err)
	}
	return nil
}
