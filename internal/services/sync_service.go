package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

var ErrNoEntities = errors.New("at least one entity type is required")

const DefaultPullPageSize = 500

// SyncService is the coordinator between offline devices and the
// authoritative store. Pull computes created/updated/deleted deltas since a
// device checkpoint; Push journals and applies a batch of client changes
// under the optimistic-concurrency gate.
type SyncService struct {
	registry *repositories.Registry
	queue    repositories.SyncQueueRepository
	resolver Resolver
	pageSize int
}

func NewSyncService(registry *repositories.Registry, queue repositories.SyncQueueRepository, pageSize int) *SyncService {
	if pageSize <= 0 {
		pageSize = DefaultPullPageSize
	}
	return &SyncService{
		registry: registry,
		queue:    queue,
		resolver: LastWriterWins{},
		pageSize: pageSize,
	}
}

// Pull returns everything the caller is authorized to see that changed after
// the checkpoint, bucketed per entity type. Classification is disjoint:
// created means created_at > checkpoint, updated means updated_at > checkpoint
// with created_at <= checkpoint, deleted carries bare tombstone ids.
//
// Buckets are capped at the page size. When any bucket truncates, HasMore is
// set and Timestamp rewinds to the smallest last-included watermark so that
// pulling again with lastSyncAt=Timestamp resumes without gaps. A failure on
// one entity type is itemized and never aborts the remaining entities.
func (s *SyncService) Pull(ctx context.Context, accountID uuid.UUID, req models.PullRequest) (*models.PullResponse, error) {
	if len(req.Entities) == 0 {
		return nil, ErrNoEntities
	}

	since := time.Time{}
	if req.LastSyncAt != nil {
		since = *req.LastSyncAt
	}

	resp := &models.PullResponse{
		Timestamp: time.Now().UTC(),
		Changes:   models.NewChangeSet(),
	}

	var resumeAt time.Time
	noteTruncation := func(lastIncluded time.Time) {
		resp.HasMore = true
		if resumeAt.IsZero() || lastIncluded.Before(resumeAt) {
			resumeAt = lastIncluded
		}
	}

	seen := make(map[models.EntityType]bool, len(req.Entities))
	for _, entity := range req.Entities {
		if seen[entity] {
			continue
		}
		seen[entity] = true

		store, err := s.registry.Store(entity)
		if err != nil {
			resp.Errors = append(resp.Errors, models.ChangeError{EntityType: string(entity), Error: err.Error()})
			continue
		}

		created, resume, truncated, err := cutPage(func(limit int) ([]repositories.EntityRecord, error) {
			return store.CreatedSince(ctx, accountID, since, limit)
		}, func(rec repositories.EntityRecord) time.Time { return rec.CreatedAt }, s.pageSize)
		if err != nil {
			resp.Errors = append(resp.Errors, models.ChangeError{EntityType: string(entity), Error: err.Error()})
			continue
		}
		if truncated {
			noteTruncation(resume)
		}
		for _, rec := range created {
			resp.Changes.Created[entity] = append(resp.Changes.Created[entity], rec.Data)
		}

		updated, resume, truncated, err := cutPage(func(limit int) ([]repositories.EntityRecord, error) {
			return store.UpdatedSince(ctx, accountID, since, limit)
		}, func(rec repositories.EntityRecord) time.Time { return rec.UpdatedAt }, s.pageSize)
		if err != nil {
			resp.Errors = append(resp.Errors, models.ChangeError{EntityType: string(entity), Error: err.Error()})
			continue
		}
		if truncated {
			noteTruncation(resume)
		}
		for _, rec := range updated {
			resp.Changes.Updated[entity] = append(resp.Changes.Updated[entity], rec.Data)
		}

		deleted, resume, truncated, err := cutPage(func(limit int) ([]repositories.Tombstone, error) {
			return store.DeletedSince(ctx, accountID, since, limit)
		}, func(tomb repositories.Tombstone) time.Time { return tomb.DeletedAt }, s.pageSize)
		if err != nil {
			resp.Errors = append(resp.Errors, models.ChangeError{EntityType: string(entity), Error: err.Error()})
			continue
		}
		if truncated {
			noteTruncation(resume)
		}
		for _, tomb := range deleted {
			resp.Changes.Deleted[entity] = append(resp.Changes.Deleted[entity], tomb.ID)
		}
	}

	if resp.HasMore {
		resp.Timestamp = resumeAt
	}
	return resp, nil
}

// cutPage fetches one pull bucket and cuts the page at a watermark change.
// The resume cursor is strict (`> watermark`), so the cut must never split
// records sharing a timestamp: the ties beyond the cap would be skipped on
// resume. The trailing tie group is deferred to the next page instead; when
// a single group overflows the cap the fetch widens until the group ends and
// it is delivered whole. Every record in a bucket is delivered exactly once.
func cutPage[T any](fetch func(limit int) ([]T, error), watermark func(T) time.Time, pageSize int) ([]T, time.Time, bool, error) {
	limit := pageSize + 1
	for {
		items, err := fetch(limit)
		if err != nil {
			return nil, time.Time{}, false, err
		}
		if len(items) < limit {
			return items, time.Time{}, false, nil
		}

		last := watermark(items[len(items)-1])
		cut := len(items) - 1
		for cut > 0 && watermark(items[cut-1]).Equal(last) {
			cut--
		}
		if cut > 0 {
			return items[:cut], watermark(items[cut-1]), true, nil
		}

		// The whole fetch shares one watermark; widen until the tie
		// group ends.
		limit *= 2
	}
}

// Push applies a batch of client changes in array order. Every change is
// journaled before apply and finalized exactly once after; a failure or
// conflict on one item never aborts the rest of the batch. The returned
// applied slice lists the changes that actually mutated the store, for
// change-notification fan-out.
func (s *SyncService) Push(ctx context.Context, accountID, deviceID uuid.UUID, changes []models.ChangeRecord) (*models.PushResponse, []models.ChangeRecord, error) {
	resp := &models.PushResponse{Conflicts: []models.ConflictRecord{}}
	var applied []models.ChangeRecord

	for _, change := range changes {
		// The journal records the identity the server resolved, not
		// whatever the wire claimed.
		change.DeviceID = deviceID
		if change.ClientTimestamp.IsZero() {
			change.ClientTimestamp = time.Now().UTC()
		}

		entry := &models.SyncQueueEntry{AccountID: accountID, Change: change}
		if err := s.queue.Append(ctx, entry); err != nil {
			resp.Errors = append(resp.Errors, itemError(change, err))
			continue
		}

		conflict, err := s.apply(ctx, accountID, change)
		switch {
		case conflict != nil:
			resp.Conflicts = append(resp.Conflicts, *conflict)
			s.finalize(ctx, entry.ID, false)
		case err != nil:
			resp.Errors = append(resp.Errors, itemError(change, err))
			s.finalize(ctx, entry.ID, false)
		default:
			applied = append(applied, change)
			s.finalize(ctx, entry.ID, true)
		}
	}

	resp.Success = len(resp.Conflicts) == 0 && len(resp.Errors) == 0
	return resp, applied, nil
}

// History returns the account's most recent journal entries, newest first.
func (s *SyncService) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.SyncQueueEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.queue.ListByAccount(ctx, accountID, limit)
}

// apply executes one change. It returns a conflict record when the change
// lost to the store's current state, an error for per-item failures, and
// (nil, nil) on success.
func (s *SyncService) apply(ctx context.Context, accountID uuid.UUID, change models.ChangeRecord) (*models.ConflictRecord, error) {
	store, err := s.registry.Store(change.EntityType)
	if err != nil {
		return nil, err
	}

	switch change.Operation {
	case models.OpCreate:
		_, err := store.Create(ctx, accountID, change)
		if errors.Is(err, repositories.ErrDuplicate) {
			return s.conflictWithCurrent(ctx, store, accountID, change), nil
		}
		return nil, err

	case models.OpUpdate:
		current, err := store.FindByID(ctx, accountID, change.EntityID)
		if err != nil {
			return nil, err
		}
		if !s.resolver.Accept(change, current.UpdatedAt) {
			return &models.ConflictRecord{ChangeRecord: change, ServerVersion: current.Data}, nil
		}
		_, err = store.ApplyUpdate(ctx, accountID, change)
		if errors.Is(err, repositories.ErrVersionConflict) {
			// Lost a race after the gate; report against the record
			// that beat us.
			return s.conflictWithCurrent(ctx, store, accountID, change), nil
		}
		return nil, err

	case models.OpDelete:
		// Delete bypasses the watermark gate and always wins.
		return nil, store.SoftDelete(ctx, accountID, change.EntityID)
	}

	return nil, fmt.Errorf("unknown operation %q", change.Operation)
}

func (s *SyncService) conflictWithCurrent(ctx context.Context, store repositories.EntityStore, accountID uuid.UUID, change models.ChangeRecord) *models.ConflictRecord {
	conflict := &models.ConflictRecord{ChangeRecord: change}
	if current, err := store.FindByID(ctx, accountID, change.EntityID); err == nil {
		conflict.ServerVersion = current.Data
	}
	return conflict
}

// finalize settles the journal entry. Journal bookkeeping failures are not
// surfaced to the caller; the change outcome already is.
func (s *SyncService) finalize(ctx context.Context, id uuid.UUID, completed bool) {
	if completed {
		_ = s.queue.MarkCompleted(ctx, id, time.Now().UTC())
		return
	}
	_ = s.queue.MarkConflict(ctx, id)
}

func itemError(change models.ChangeRecord, err error) models.ChangeError {
	return models.ChangeError{
		EntityType: string(change.EntityType),
		EntityID:   change.EntityID,
		Error:      err.Error(),
	}
}
