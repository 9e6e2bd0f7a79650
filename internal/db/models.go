package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by auto-keyed models. ID uses
// UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// Node is the persisted introspection state for one bare-metal node. The
// primary key is the node's own UUID as known to the bare-metal control
// plane, not a generated one — a row only exists for a node that is
// mid-introspection or has finished one.
//
// Version is generated once, when the row is created. It has no business
// meaning on its own; later writes (finishing or timing out the node) carry
// it over unchanged, and nothing in this module compares it between reads.
type Node struct {
	UUID       uuid.UUID  `gorm:"type:text;primaryKey"`
	Version    uuid.UUID  `gorm:"type:text;not null"`
	StartedAt  time.Time  `gorm:"not null;index"`
	FinishedAt *time.Time `gorm:"index"`
	Error      string     `gorm:"type:text;default:''"`
	ManageBoot bool       `gorm:"not null;default:true"`
}

// Attribute is one (name, value) lookup key a node can be found by —
// typically a MAC address or a BMC address, but any hook may register
// additional attribute names. The (name, value) pair is unique across all
// nodes: two nodes racing to register the same MAC is the duplicate-lookup
// conflict add_attribute exists to prevent.
type Attribute struct {
	base
	NodeUUID uuid.UUID `gorm:"type:text;not null;index"`
	Name     string    `gorm:"not null;uniqueIndex:idx_attribute_name_value"`
	Value    string    `gorm:"not null;uniqueIndex:idx_attribute_name_value"`
}

// Option is a piece of transient per-node processing state — e.g. new BMC
// credentials pending confirmation, or a hook's scratch data for a single
// introspection run. Options are deleted whenever a node finishes
// processing; they are not meant to outlive one introspection.
//
// Value is encrypted at rest: options are the natural place for a hook to
// stash newly generated BMC credentials while the credential settler works
// in the background, so every option value is treated as potentially
// sensitive rather than adding a second, unencrypted column for the common
// case.
type Option struct {
	base
	NodeUUID uuid.UUID       `gorm:"type:text;not null;uniqueIndex:idx_option_node_name"`
	Name     string          `gorm:"not null;uniqueIndex:idx_option_node_name"`
	Value    EncryptedString `gorm:"type:text;not null"`
}

// -----------------------------------------------------------------------------
// Rules
// -----------------------------------------------------------------------------

// Rule is a stored condition/action pair applied to every node that
// finishes pre-processing. Conditions and Actions are stored as JSON arrays
// (see internal/rules for the Go structures they decode into) rather than
// normalized tables — the plugin system they describe is a small,
// self-contained DSL and gains nothing from being split across join tables.
//
// ScopeUUID restricts a rule to a single node; a nil ScopeUUID means the
// rule applies to every node that reaches rule evaluation.
type Rule struct {
	base
	Description string     `gorm:"not null;default:''"`
	Conditions  string     `gorm:"type:text;not null"`
	Actions     string     `gorm:"type:text;not null"`
	ScopeUUID   *uuid.UUID `gorm:"type:text;index"`
}
