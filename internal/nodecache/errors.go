package nodecache

import "errors"

// Sentinel errors returned by the node cache. Callers should use errors.Is
// for comparison.
var (
	// ErrNotFoundInCache is returned by FindNode when no node matches any
	// of the supplied lookup attributes.
	ErrNotFoundInCache = errors.New("nodecache: no node matches the supplied attributes")

	// ErrAmbiguousLookup is returned by FindNode when the supplied lookup
	// attributes match more than one node — this should never happen if
	// AddAttribute is enforcing uniqueness correctly, but is checked for
	// defensively since it indicates a data integrity problem.
	ErrAmbiguousLookup = errors.New("nodecache: lookup attributes match more than one node")

	// ErrDuplicateAttribute is returned by NodeInfo.AddAttribute when the
	// (name, value) pair is already registered to another node.
	ErrDuplicateAttribute = errors.New("nodecache: attribute already registered to another node")

	// ErrAlreadyFinished is returned when an operation that requires an
	// in-progress node is attempted on a node whose introspection already
	// completed (successfully or with an error).
	ErrAlreadyFinished = errors.New("nodecache: node processing already finished")
)
