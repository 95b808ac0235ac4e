package services

import (
	"time"

	"github.com/prudhvinik1/fieldsync/internal/models"
)

// Resolver is the optimistic-concurrency gate consulted before an UPDATE is
// applied. It never merges fields: a rejected change is returned to the
// submitting device together with the current server record so the device
// can re-fetch, reconcile and resubmit with a fresh basis timestamp.
//
// CREATE conflicts are detected by uniqueness constraints and DELETE bypasses
// the gate entirely, so Accept is consulted for UPDATE only.
type Resolver interface {
	// Accept reports whether the change may overwrite a record last
	// modified at currentUpdatedAt.
	Accept(change models.ChangeRecord, currentUpdatedAt time.Time) bool
}

// LastWriterWins accepts a change iff its client timestamp is at or after
// the record's current modification time. Whole-record only; field-level
// auto-merge risks corrupting derived business values.
type LastWriterWins struct{}

func (LastWriterWins) Accept(change models.ChangeRecord, currentUpdatedAt time.Time) bool {
	return !change.ClientTimestamp.Before(currentUpdatedAt)
}
