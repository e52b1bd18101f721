// Package sentinel names the storage facts that services translate into
// domain errors. Stores return them, wrapped or bare; services test with
// errors.Is and decide what the caller sees.
package sentinel

import "errors"

var (
	// ErrNotFound: no row or entry under the requested key.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the write would break a uniqueness rule, such as a second
	// active registration for one user and event, or was based on a copy that
	// another writer has since advanced.
	ErrConflict = errors.New("conflict")
	// ErrNoChanges: an update matched the stored values exactly.
	ErrNoChanges = errors.New("no changes")
	// ErrInvalidState: the entity is terminal, cancelled or settled, and
	// refuses the write.
	ErrInvalidState = errors.New("invalid state")
)
