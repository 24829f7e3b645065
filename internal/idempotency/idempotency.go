// Package idempotency implements the insert-first, catch-conflict,
// look-up-existing layer that makes spawn_run and spawn_group safe to retry
// with the same key, plus an in-process coalescing layer so concurrent
// retries of the same key share one database round trip instead of racing
// each other into the unique-constraint catch path.
package idempotency

import (
	"context"
	"database/sql"

	"golang.org/x/sync/singleflight"

	"reach/services/runner/internal/storage"
)

// Layer coalesces concurrent callers on the same key via singleflight before
// falling through to the store's insert/catch-conflict/select path, so a
// burst of identical retries (the common case right after a client timeout)
// costs one write instead of N failed ones.
type Layer struct {
	store *storage.SQLiteStore
	group singleflight.Group
}

func NewLayer(store *storage.SQLiteStore) *Layer {
	return &Layer{store: store}
}

// SpawnRun inserts rec, or returns the existing run when (parent_run_id,
// spawn_key) already has a row — the same row a prior attempt of this exact
// call would have produced.
func (l *Layer) SpawnRun(ctx context.Context, rec storage.RunRecord) (storage.RunRecord, error) {
	key := "run:" + rec.ParentRunID + ":" + rec.SpawnKey
	v, err, _ := l.group.Do(key, func() (any, error) {
		insertErr := l.store.InsertRun(ctx, rec)
		if insertErr == nil {
			return rec, nil
		}
		if insertErr == storage.ErrSpawnKeyConflict {
			existing, getErr := l.store.GetRunBySpawnKey(ctx, rec.ParentRunID, rec.SpawnKey)
			if getErr != nil {
				return storage.RunRecord{}, getErr
			}
			return existing, nil
		}
		return storage.RunRecord{}, insertErr
	})
	if err != nil {
		return storage.RunRecord{}, err
	}
	return v.(storage.RunRecord), nil
}

// SpawnRunTx is SpawnRun's catch-and-lookup insert scoped to an already
// row-locked parent's conn. singleflight coalescing is unneeded here: the
// caller is holding the parent's BEGIN IMMEDIATE lock for the duration of
// the call, so no other goroutine in this process can be racing the same
// key against the same conn anyway.
func (l *Layer) SpawnRunTx(ctx context.Context, conn *sql.Conn, rec storage.RunRecord) (storage.RunRecord, error) {
	insertErr := l.store.InsertRunTx(ctx, conn, rec)
	if insertErr == nil {
		return rec, nil
	}
	if insertErr == storage.ErrSpawnKeyConflict {
		return l.store.GetRunBySpawnKeyTx(ctx, conn, rec.ParentRunID, rec.SpawnKey)
	}
	return storage.RunRecord{}, insertErr
}

// SpawnGroup inserts rec, or returns the existing group when
// (orchestrator_run_id, parent_node_id, idempotency_key_prefix) already has
// a row.
func (l *Layer) SpawnGroup(ctx context.Context, rec storage.GroupRecord) (storage.GroupRecord, error) {
	key := "group:" + rec.OrchestratorRunID + ":" + rec.ParentNodeID + ":" + rec.IdempotencyKeyPrefix
	v, err, _ := l.group.Do(key, func() (any, error) {
		insertErr := l.store.InsertGroup(ctx, rec)
		if insertErr == nil {
			return rec, nil
		}
		if insertErr == storage.ErrGroupConflict {
			existing, getErr := l.store.GetGroupByIdempotencyKey(ctx, rec.TenantID, rec.OrchestratorRunID, rec.ParentNodeID, rec.IdempotencyKeyPrefix)
			if getErr != nil {
				return storage.GroupRecord{}, getErr
			}
			return existing, nil
		}
		return storage.GroupRecord{}, insertErr
	})
	if err != nil {
		return storage.GroupRecord{}, err
	}
	return v.(storage.GroupRecord), nil
}
