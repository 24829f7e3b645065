package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"reach/services/runner/internal/storage"
)

var terminalRunStatus = map[string]bool{"completed": true, "failed": true, "cancelled": true, "timed_out": true}

// CancelResult is cancel_subtree's return payload.
type CancelResult struct {
	CancelledCount int
}

// CancelSubtree does a BFS from runID via parent_run_id, transitioning every
// non-terminal descendant (and runID itself, iff includeRoot) to cancelled,
// all inside one row-locking transaction. Repeated calls on an already
// fully-cancelled subtree are no-ops that return CancelledCount=0.
func (k *Kernel) CancelSubtree(ctx context.Context, tenantID, runID string, includeRoot bool, reason string) (CancelResult, error) {
	var result CancelResult
	now := time.Now().UTC()

	err := k.store.GetRunForUpdate(ctx, tenantID, runID, func(ctx context.Context, conn *sql.Conn, root storage.RunRecord) error {
		visited := map[string]bool{root.ID: true}
		queue := []storage.RunRecord{root}
		var toCancel []storage.RunRecord
		for i := 0; i < len(queue); i++ {
			cur := queue[i]
			if cur.ID != root.ID || includeRoot {
				if !terminalRunStatus[cur.Status] {
					toCancel = append(toCancel, cur)
				}
			}
			children, err := k.store.ListChildrenTx(ctx, conn, cur.ID)
			if err != nil {
				return err
			}
			for _, c := range children {
				if !visited[c.ID] {
					visited[c.ID] = true
					queue = append(queue, c)
				}
			}
		}

		for _, r := range toCancel {
			patch, _ := json.Marshal(map[string]any{"cancel_reason": reason})
			if err := k.store.UpdateRunStatusTx(ctx, conn, r.ID, "cancelled", now, patch); err != nil {
				return err
			}
			result.CancelledCount++
		}
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}
	return result, nil
}
