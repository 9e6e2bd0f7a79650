// Package repository provides GORM-backed persistence behind narrow
// interfaces, one file per aggregate — the node cache, rules engine, and
// pipeline depend only on these interfaces, never on *gorm.DB directly.
package repository

import "errors"

// Sentinel errors returned by repository methods. Callers should use
// errors.Is for comparison.
var (
	// ErrNotFound is returned when a lookup by ID finds no matching row.
	ErrNotFound = errors.New("repository: not found")

	// ErrDuplicateAttribute is returned when inserting an attribute would
	// violate the (name, value) uniqueness constraint — i.e. some other
	// node already registered the same MAC or BMC address.
	ErrDuplicateAttribute = errors.New("repository: duplicate attribute")
)
