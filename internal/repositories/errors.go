package repositories

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when the optimistic watermark check
	// fails: the stored record was modified after the change's basis
	// timestamp.
	ErrVersionConflict = errors.New("version conflict: record was modified by another device")

	// ErrDuplicate is returned when a create targets an id that already
	// exists for the account.
	ErrDuplicate = errors.New("duplicate record")
)
