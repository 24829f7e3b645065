package kernel

import (
	"context"

	kernelerr "reach/services/runner/internal/errors"
)

// ReplanSummary is evaluate_and_replan's return payload. It is read-only:
// the kernel never mutates the graph itself, it only reports the direct
// children's terminal mix so the caller's graph can decide whether to spawn
// a replacement plan.
type ReplanSummary struct {
	FailedCount    int
	CompletedCount int
	RunningCount   int
	NeedsReplan    bool
}

// EvaluateAndReplan summarizes the direct children of runID. It confirms
// runID belongs to tenantID first: ListChildren has no tenant filter of its
// own, so a cross-tenant runID must be rejected before it ever reaches
// that query.
func (k *Kernel) EvaluateAndReplan(ctx context.Context, tenantID, runID string) (ReplanSummary, error) {
	if _, err := k.store.GetRun(ctx, tenantID, runID); err != nil {
		return ReplanSummary{}, kernelerr.Wrap(err, kernelerr.CodeNotFound, "load run")
	}

	children, err := k.store.ListChildren(ctx, runID)
	if err != nil {
		return ReplanSummary{}, err
	}
	var summary ReplanSummary
	for _, c := range children {
		switch c.Status {
		case "failed":
			summary.FailedCount++
		case "completed":
			summary.CompletedCount++
		case "cancelled", "timed_out":
			summary.FailedCount++
		default:
			summary.RunningCount++
		}
	}
	summary.NeedsReplan = summary.FailedCount > 0 && summary.RunningCount == 0
	return summary, nil
}
