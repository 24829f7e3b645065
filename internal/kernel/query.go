package kernel

import (
	"context"

	kernelerr "reach/services/runner/internal/errors"
	"reach/services/runner/internal/storage"
)

// QueryTree lists every run sharing rootRunID's root_run_id, ordered by
// creation time. It confirms rootRunID belongs to tenantID first:
// ListByRoot has no tenant filter of its own, so a cross-tenant root run id
// must be rejected before it ever reaches that query.
func (k *Kernel) QueryTree(ctx context.Context, tenantID, rootRunID string) ([]storage.RunRecord, error) {
	if _, err := k.store.GetRun(ctx, tenantID, rootRunID); err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.CodeNotFound, "load root run")
	}
	runs, err := k.store.ListByRoot(ctx, rootRunID)
	if err != nil {
		return nil, kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "list tree")
	}
	return runs, nil
}
