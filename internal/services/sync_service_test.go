package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

// memStore is an in-memory EntityStore with the same gate semantics as the
// postgres repositories.
type memStore struct {
	records map[uuid.UUID]*memRecord
}

type memRecord struct {
	rec       repositories.EntityRecord
	deletedAt *time.Time
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*memRecord)}
}

func (m *memStore) seed(id uuid.UUID, createdAt, updatedAt time.Time, data string) {
	m.records[id] = &memRecord{rec: repositories.EntityRecord{
		ID:        id,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Data:      json.RawMessage(data),
	}}
}

func (m *memStore) seedDeleted(id uuid.UUID, deletedAt time.Time) {
	m.records[id] = &memRecord{
		rec:       repositories.EntityRecord{ID: id, CreatedAt: deletedAt, UpdatedAt: deletedAt},
		deletedAt: &deletedAt,
	}
}

func (m *memStore) FindByID(_ context.Context, _ uuid.UUID, id uuid.UUID) (*repositories.EntityRecord, error) {
	r, ok := m.records[id]
	if !ok || r.deletedAt != nil {
		return nil, repositories.ErrNotFound
	}
	rec := r.rec
	return &rec, nil
}

func (m *memStore) Create(_ context.Context, _ uuid.UUID, change models.ChangeRecord) (*repositories.EntityRecord, error) {
	if _, ok := m.records[change.EntityID]; ok {
		return nil, repositories.ErrDuplicate
	}
	rec := repositories.EntityRecord{
		ID:        change.EntityID,
		CreatedAt: change.ClientTimestamp,
		UpdatedAt: change.ClientTimestamp,
		Data:      change.Payload,
	}
	m.records[change.EntityID] = &memRecord{rec: rec}
	return &rec, nil
}

func (m *memStore) ApplyUpdate(_ context.Context, _ uuid.UUID, change models.ChangeRecord) (*repositories.EntityRecord, error) {
	r, ok := m.records[change.EntityID]
	if !ok || r.deletedAt != nil {
		return nil, repositories.ErrNotFound
	}
	if r.rec.UpdatedAt.After(change.ClientTimestamp) {
		return nil, repositories.ErrVersionConflict
	}
	r.rec.UpdatedAt = change.ClientTimestamp
	r.rec.Data = change.Payload
	rec := r.rec
	return &rec, nil
}

func (m *memStore) SoftDelete(_ context.Context, _ uuid.UUID, id uuid.UUID) error {
	if r, ok := m.records[id]; ok && r.deletedAt == nil {
		now := time.Now().UTC()
		r.deletedAt = &now
	}
	return nil
}

func (m *memStore) CreatedSince(_ context.Context, _ uuid.UUID, since time.Time, limit int) ([]repositories.EntityRecord, error) {
	var out []repositories.EntityRecord
	for _, r := range m.sorted(func(r *memRecord) time.Time { return r.rec.CreatedAt }) {
		if r.deletedAt == nil && r.rec.CreatedAt.After(since) {
			out = append(out, r.rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdatedSince(_ context.Context, _ uuid.UUID, since time.Time, limit int) ([]repositories.EntityRecord, error) {
	var out []repositories.EntityRecord
	for _, r := range m.sorted(func(r *memRecord) time.Time { return r.rec.UpdatedAt }) {
		if r.deletedAt == nil && r.rec.UpdatedAt.After(since) && !r.rec.CreatedAt.After(since) {
			out = append(out, r.rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) DeletedSince(_ context.Context, _ uuid.UUID, since time.Time, limit int) ([]repositories.Tombstone, error) {
	var out []repositories.Tombstone
	for _, r := range m.sorted(func(r *memRecord) time.Time {
		if r.deletedAt != nil {
			return *r.deletedAt
		}
		return time.Time{}
	}) {
		if r.deletedAt != nil && r.deletedAt.After(since) {
			out = append(out, repositories.Tombstone{ID: r.rec.ID, DeletedAt: *r.deletedAt})
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) sorted(key func(*memRecord) time.Time) []*memRecord {
	out := make([]*memRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && key(out[j]).Before(key(out[j-1])); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// memQueue journals entries in memory so tests can assert on transitions.
type memQueue struct {
	entries map[uuid.UUID]*models.SyncQueueEntry
	order   []uuid.UUID
}

func newMemQueue() *memQueue {
	return &memQueue{entries: make(map[uuid.UUID]*models.SyncQueueEntry)}
}

func (q *memQueue) Append(_ context.Context, entry *models.SyncQueueEntry) error {
	entry.ID = uuid.New()
	entry.Status = models.SyncPending
	entry.CreatedAt = time.Now().UTC()
	q.entries[entry.ID] = entry
	q.order = append(q.order, entry.ID)
	return nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id uuid.UUID, syncedAt time.Time) error {
	entry, ok := q.entries[id]
	if !ok || entry.Status != models.SyncPending {
		return repositories.ErrNotFound
	}
	entry.Status = models.SyncCompleted
	entry.SyncedAt = &syncedAt
	return nil
}

func (q *memQueue) MarkConflict(_ context.Context, id uuid.UUID) error {
	entry, ok := q.entries[id]
	if !ok || entry.Status != models.SyncPending {
		return repositories.ErrNotFound
	}
	entry.Status = models.SyncConflict
	return nil
}

func (q *memQueue) GetByID(_ context.Context, id uuid.UUID) (*models.SyncQueueEntry, error) {
	entry, ok := q.entries[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return entry, nil
}

func (q *memQueue) ListByAccount(_ context.Context, _ uuid.UUID, limit int) ([]*models.SyncQueueEntry, error) {
	var out []*models.SyncQueueEntry
	for _, id := range q.order {
		out = append(out, q.entries[id])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *memQueue) statuses() []models.SyncStatus {
	out := make([]models.SyncStatus, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.entries[id].Status)
	}
	return out
}

func newTestService(pageSize int) (*SyncService, *memStore, *memStore, *memQueue) {
	tasks := newMemStore()
	projects := newMemStore()
	queue := newMemQueue()

	registry := repositories.NewRegistry()
	registry.Register(models.EntityTasks, tasks)
	registry.Register(models.EntityProjects, projects)

	return NewSyncService(registry, queue, pageSize), tasks, projects, queue
}

func TestPullRequiresEntities(t *testing.T) {
	svc, _, _, _ := newTestService(0)

	_, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{})
	assert.ErrorIs(t, err, ErrNoEntities)
}

func TestPullClassifiesBucketsDisjointly(t *testing.T) {
	svc, tasks, _, _ := newTestService(0)
	checkpoint := time.Now().UTC().Add(-time.Hour)

	createdID := uuid.New()
	updatedID := uuid.New()
	deletedID := uuid.New()
	untouchedID := uuid.New()

	// Created after the checkpoint: created bucket only, even though its
	// updated_at is also past the checkpoint.
	tasks.seed(createdID, checkpoint.Add(10*time.Minute), checkpoint.Add(20*time.Minute), `{"title":"new"}`)
	// Created before, updated after: updated bucket.
	tasks.seed(updatedID, checkpoint.Add(-time.Hour), checkpoint.Add(5*time.Minute), `{"title":"edited"}`)
	// Deleted after: tombstone only.
	tasks.seedDeleted(deletedID, checkpoint.Add(time.Minute))
	// Untouched since the checkpoint: absent everywhere.
	tasks.seed(untouchedID, checkpoint.Add(-2*time.Hour), checkpoint.Add(-2*time.Hour), `{"title":"old"}`)

	resp, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities:   []models.EntityType{models.EntityTasks},
		LastSyncAt: &checkpoint,
	})
	require.NoError(t, err)

	require.Len(t, resp.Changes.Created[models.EntityTasks], 1)
	assert.JSONEq(t, `{"title":"new"}`, string(resp.Changes.Created[models.EntityTasks][0]))

	require.Len(t, resp.Changes.Updated[models.EntityTasks], 1)
	assert.JSONEq(t, `{"title":"edited"}`, string(resp.Changes.Updated[models.EntityTasks][0]))

	require.Len(t, resp.Changes.Deleted[models.EntityTasks], 1)
	assert.Equal(t, deletedID, resp.Changes.Deleted[models.EntityTasks][0])

	assert.False(t, resp.HasMore)
	assert.Empty(t, resp.Errors)
}

func TestPullUnknownEntityIsItemized(t *testing.T) {
	svc, tasks, _, _ := newTestService(0)
	tasks.seed(uuid.New(), time.Now().UTC(), time.Now().UTC(), `{"title":"a"}`)

	resp, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities: []models.EntityType{"widgets", models.EntityTasks},
	})
	require.NoError(t, err)

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "widgets", resp.Errors[0].EntityType)
	assert.Len(t, resp.Changes.Created[models.EntityTasks], 1)
}

func TestPullDeduplicatesEntities(t *testing.T) {
	svc, tasks, _, _ := newTestService(0)
	tasks.seed(uuid.New(), time.Now().UTC(), time.Now().UTC(), `{"title":"a"}`)

	resp, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities: []models.EntityType{models.EntityTasks, models.EntityTasks},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Changes.Created[models.EntityTasks], 1)
}

func TestPullTruncationResumesWithoutGaps(t *testing.T) {
	svc, tasks, _, _ := newTestService(2)
	base := time.Now().UTC().Add(-time.Hour)

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = uuid.New()
		at := base.Add(time.Duration(i+1) * time.Minute)
		tasks.seed(ids[i], at, at, `{"n":`+string(rune('0'+i))+`}`)
	}

	first, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities:   []models.EntityType{models.EntityTasks},
		LastSyncAt: &base,
	})
	require.NoError(t, err)

	assert.True(t, first.HasMore)
	assert.Len(t, first.Changes.Created[models.EntityTasks], 2)
	// The checkpoint rewinds to the last included watermark.
	assert.Equal(t, base.Add(2*time.Minute), first.Timestamp)

	second, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities:   []models.EntityType{models.EntityTasks},
		LastSyncAt: &first.Timestamp,
	})
	require.NoError(t, err)

	assert.False(t, second.HasMore)
	assert.Len(t, second.Changes.Created[models.EntityTasks], 1)
}

func TestPullTiedWatermarksAreNeverLost(t *testing.T) {
	svc, tasks, _, _ := newTestService(2)
	base := time.Now().UTC().Add(-time.Hour)
	at := base.Add(time.Minute)

	// More records share one created_at than the page holds. A cursor
	// that rewinds to this watermark and resumes strictly after it would
	// silently drop whichever ties fell past the cap.
	for i := 0; i < 3; i++ {
		tasks.seed(uuid.New(), at, at, fmt.Sprintf(`{"n":%d}`, i))
	}

	accountID := uuid.New()
	since := base
	got := make(map[string]int)
	for pulls := 0; ; pulls++ {
		require.Less(t, pulls, 5, "cursor did not drain")
		resp, err := svc.Pull(context.Background(), accountID, models.PullRequest{
			Entities:   []models.EntityType{models.EntityTasks},
			LastSyncAt: &since,
		})
		require.NoError(t, err)
		for _, data := range resp.Changes.Created[models.EntityTasks] {
			got[string(data)]++
		}
		if !resp.HasMore {
			break
		}
		since = resp.Timestamp
	}

	require.Len(t, got, 3)
	for data, count := range got {
		assert.Equal(t, 1, count, "record %s delivered more than once", data)
	}
}

func TestPullPageCutsBeforeTrailingTies(t *testing.T) {
	svc, tasks, _, _ := newTestService(2)
	base := time.Now().UTC().Add(-time.Hour)

	lone := base.Add(time.Minute)
	tied := base.Add(2 * time.Minute)
	tasks.seed(uuid.New(), lone, lone, `{"n":0}`)
	tasks.seed(uuid.New(), tied, tied, `{"n":1}`)
	tasks.seed(uuid.New(), tied, tied, `{"n":2}`)

	first, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities:   []models.EntityType{models.EntityTasks},
		LastSyncAt: &base,
	})
	require.NoError(t, err)

	// The tied pair straddles the cap, so the whole pair defers to the
	// next page and the checkpoint lands on the record before it.
	assert.True(t, first.HasMore)
	assert.Len(t, first.Changes.Created[models.EntityTasks], 1)
	assert.Equal(t, lone, first.Timestamp)

	second, err := svc.Pull(context.Background(), uuid.New(), models.PullRequest{
		Entities:   []models.EntityType{models.EntityTasks},
		LastSyncAt: &first.Timestamp,
	})
	require.NoError(t, err)

	assert.False(t, second.HasMore)
	assert.Len(t, second.Changes.Created[models.EntityTasks], 2)
}

func TestPushCreateAppliesAndJournals(t *testing.T) {
	svc, tasks, _, queue := newTestService(0)
	accountID, deviceID := uuid.New(), uuid.New()

	change := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        uuid.New(),
		Operation:       models.OpCreate,
		Payload:         json.RawMessage(`{"title":"inspect pump"}`),
		ClientTimestamp: time.Now().UTC(),
	}

	resp, applied, err := svc.Push(context.Background(), accountID, deviceID, []models.ChangeRecord{change})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Empty(t, resp.Conflicts)
	require.Len(t, applied, 1)
	// The journal carries the server-resolved device, not the wire claim.
	assert.Equal(t, deviceID, applied[0].DeviceID)

	_, ok := tasks.records[change.EntityID]
	assert.True(t, ok)
	assert.Equal(t, []models.SyncStatus{models.SyncCompleted}, queue.statuses())
}

func TestPushDuplicateCreateConflicts(t *testing.T) {
	svc, tasks, _, queue := newTestService(0)
	accountID := uuid.New()

	id := uuid.New()
	tasks.seed(id, time.Now().UTC(), time.Now().UTC(), `{"title":"server copy"}`)

	change := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        id,
		Operation:       models.OpCreate,
		Payload:         json.RawMessage(`{"title":"client copy"}`),
		ClientTimestamp: time.Now().UTC(),
	}

	resp, applied, err := svc.Push(context.Background(), accountID, uuid.New(), []models.ChangeRecord{change})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Empty(t, applied)
	require.Len(t, resp.Conflicts, 1)
	assert.JSONEq(t, `{"title":"server copy"}`, string(resp.Conflicts[0].ServerVersion))
	assert.Equal(t, []models.SyncStatus{models.SyncConflict}, queue.statuses())
}

func TestPushStaleUpdateLosesToNewerServerState(t *testing.T) {
	svc, tasks, _, queue := newTestService(0)
	accountID := uuid.New()

	id := uuid.New()
	serverTime := time.Now().UTC()
	tasks.seed(id, serverTime.Add(-time.Hour), serverTime, `{"title":"fresh"}`)

	change := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        id,
		Operation:       models.OpUpdate,
		Payload:         json.RawMessage(`{"title":"stale"}`),
		ClientTimestamp: serverTime.Add(-time.Minute),
	}

	resp, applied, err := svc.Push(context.Background(), accountID, uuid.New(), []models.ChangeRecord{change})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Empty(t, applied)
	require.Len(t, resp.Conflicts, 1)
	assert.JSONEq(t, `{"title":"fresh"}`, string(resp.Conflicts[0].ServerVersion))

	// The losing change never touched the record.
	assert.JSONEq(t, `{"title":"fresh"}`, string(tasks.records[id].rec.Data))
	assert.Equal(t, []models.SyncStatus{models.SyncConflict}, queue.statuses())
}

func TestPushNewerUpdateWins(t *testing.T) {
	svc, tasks, _, _ := newTestService(0)
	accountID := uuid.New()

	id := uuid.New()
	serverTime := time.Now().UTC().Add(-time.Hour)
	tasks.seed(id, serverTime, serverTime, `{"title":"old"}`)

	change := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        id,
		Operation:       models.OpUpdate,
		Payload:         json.RawMessage(`{"title":"new"}`),
		ClientTimestamp: time.Now().UTC(),
	}

	resp, applied, err := svc.Push(context.Background(), accountID, uuid.New(), []models.ChangeRecord{change})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Len(t, applied, 1)
	assert.JSONEq(t, `{"title":"new"}`, string(tasks.records[id].rec.Data))
}

func TestPushEqualTimestampsAcceptIncoming(t *testing.T) {
	svc, tasks, _, _ := newTestService(0)
	accountID := uuid.New()

	id := uuid.New()
	at := time.Now().UTC().Truncate(time.Millisecond)
	tasks.seed(id, at.Add(-time.Hour), at, `{"title":"server"}`)

	change := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        id,
		Operation:       models.OpUpdate,
		Payload:         json.RawMessage(`{"title":"client"}`),
		ClientTimestamp: at,
	}

	resp, applied, err := svc.Push(context.Background(), accountID, uuid.New(), []models.ChangeRecord{change})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Len(t, applied, 1)
	assert.JSONEq(t, `{"title":"client"}`, string(tasks.records[id].rec.Data))
}

func TestPushDeleteBypassesGateAndIsIdempotent(t *testing.T) {
	svc, tasks, _, queue := newTestService(0)
	accountID := uuid.New()

	id := uuid.New()
	tasks.seed(id, time.Now().UTC().Add(-time.Hour), time.Now().UTC(), `{"title":"doomed"}`)

	del := models.ChangeRecord{
		EntityType: models.EntityTasks,
		EntityID:   id,
		Operation:  models.OpDelete,
		// Far older than the server's updated_at; delete wins anyway.
		ClientTimestamp: time.Now().UTC().Add(-24 * time.Hour),
	}
	missing := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        uuid.New(),
		Operation:       models.OpDelete,
		ClientTimestamp: time.Now().UTC(),
	}

	resp, applied, err := svc.Push(context.Background(), accountID, uuid.New(), []models.ChangeRecord{del, missing})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Len(t, applied, 2)
	assert.NotNil(t, tasks.records[id].deletedAt)
	assert.Equal(t, []models.SyncStatus{models.SyncCompleted, models.SyncCompleted}, queue.statuses())
}

func TestPushPartialBatchContinuesPastFailures(t *testing.T) {
	svc, tasks, _, queue := newTestService(0)
	accountID := uuid.New()

	bad := models.ChangeRecord{
		EntityType:      "widgets",
		EntityID:        uuid.New(),
		Operation:       models.OpCreate,
		Payload:         json.RawMessage(`{}`),
		ClientTimestamp: time.Now().UTC(),
	}
	good := models.ChangeRecord{
		EntityType:      models.EntityTasks,
		EntityID:        uuid.New(),
		Operation:       models.OpCreate,
		Payload:         json.RawMessage(`{"title":"survives"}`),
		ClientTimestamp: time.Now().UTC(),
	}

	resp, applied, err := svc.Push(context.Background(), accountID, uuid.New(), []models.ChangeRecord{bad, good})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "widgets", resp.Errors[0].EntityType)

	require.Len(t, applied, 1)
	assert.Equal(t, good.EntityID, applied[0].EntityID)
	_, ok := tasks.records[good.EntityID]
	assert.True(t, ok)

	assert.Equal(t, []models.SyncStatus{models.SyncConflict, models.SyncCompleted}, queue.statuses())
}

func TestPushStampsMissingClientTimestamp(t *testing.T) {
	svc, tasks, _, _ := newTestService(0)

	change := models.ChangeRecord{
		EntityType: models.EntityTasks,
		EntityID:   uuid.New(),
		Operation:  models.OpCreate,
		Payload:    json.RawMessage(`{"title":"no clock"}`),
	}

	resp, applied, err := svc.Push(context.Background(), uuid.New(), uuid.New(), []models.ChangeRecord{change})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	require.Len(t, applied, 1)
	assert.False(t, applied[0].ClientTimestamp.IsZero())
	assert.False(t, tasks.records[change.EntityID].rec.UpdatedAt.IsZero())
}
