package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/baremetal-inspector/inspector/internal/db"
)

// AttributeRepository persists Attribute rows — the (name, value) lookup
// keys a node can be found by.
type AttributeRepository interface {
	Create(ctx context.Context, attr *db.Attribute) error
	ListByNode(ctx context.Context, nodeUUID uuid.UUID) ([]db.Attribute, error)
	DeleteByNode(ctx context.Context, nodeUUID uuid.UUID) error

	// FindNodeUUIDs returns the distinct node UUIDs that own at least one
	// attribute matching any of the given (name, value) pairs. pairs maps
	// an attribute name to the candidate values for that name (e.g.
	// "mac" -> the MACs reported by the ramdisk).
	//
	// The WHERE clause is built by joining literal placeholder fragments —
	// never by interpolating caller-supplied values into the SQL text —
	// so arbitrary attribute values cannot influence the query structure.
	FindNodeUUIDs(ctx context.Context, pairs map[string][]string) ([]uuid.UUID, error)
}

type gormAttributeRepository struct {
	db *gorm.DB
}

// NewAttributeRepository returns an AttributeRepository backed by GORM.
func NewAttributeRepository(database *gorm.DB) AttributeRepository {
	return &gormAttributeRepository{db: database}
}

func (r *gormAttributeRepository) Create(ctx context.Context, attr *db.Attribute) error {
	err := r.db.WithContext(ctx).Create(attr).Error
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAttribute
		}
		return fmt.Errorf("attributes: create: %w", err)
	}
	return nil
}

func (r *gormAttributeRepository) ListByNode(ctx context.Context, nodeUUID uuid.UUID) ([]db.Attribute, error) {
	var attrs []db.Attribute
	err := r.db.WithContext(ctx).Where("node_uuid = ?", nodeUUID).Find(&attrs).Error
	if err != nil {
		return nil, fmt.Errorf("attributes: list by node: %w", err)
	}
	return attrs, nil
}

func (r *gormAttributeRepository) DeleteByNode(ctx context.Context, nodeUUID uuid.UUID) error {
	err := r.db.WithContext(ctx).Where("node_uuid = ?", nodeUUID).Delete(&db.Attribute{}).Error
	if err != nil {
		return fmt.Errorf("attributes: delete by node: %w", err)
	}
	return nil
}

func (r *gormAttributeRepository) FindNodeUUIDs(ctx context.Context, pairs map[string][]string) ([]uuid.UUID, error) {
	var clauses []string
	var args []interface{}

	for name, values := range pairs {
		for _, value := range values {
			if value == "" {
				continue
			}
			clauses = append(clauses, "(name = ? AND value = ?)")
			args = append(args, name, value)
		}
	}

	if len(clauses) == 0 {
		return nil, nil
	}

	query := "SELECT DISTINCT node_uuid FROM attributes WHERE " + strings.Join(clauses, " OR ")

	var uuids []uuid.UUID
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&uuids).Error; err != nil {
		return nil, fmt.Errorf("attributes: find node uuids: %w", err)
	}
	return uuids, nil
}

// isUniqueViolation reports whether err represents a unique constraint
// violation, independent of whether the underlying driver is sqlite or
// postgres (their error types and messages differ).
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
