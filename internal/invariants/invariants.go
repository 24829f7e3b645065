// Package invariants encodes the orchestration kernel's cross-package
// correctness properties as small boolean/error-returning checks, so
// integration tests and any future fuzz/property harness assert against one
// named function per property instead of re-deriving the check inline.
package invariants

import (
	"errors"
	"sync/atomic"

	"reach/services/runner/internal/storage"
)

type ViolationReporter interface {
	RecordInvariantViolation(name string)
}

var violationReporter atomic.Value

func SetViolationReporter(reporter ViolationReporter) {
	violationReporter.Store(reporter)
}

func reportViolation(name string) {
	reporter, _ := violationReporter.Load().(ViolationReporter)
	if reporter != nil {
		reporter.RecordInvariantViolation(name)
	}
}

// ChildSpawnKeyUnique holds when no two runs share (parent_run_id, spawn_key).
// The kernel enforces this with a real UNIQUE constraint (internal/storage's
// runs table); this restates it as a property callers can assert against a
// batch of observed runs, e.g. after a concurrent-retry storm.
func ChildSpawnKeyUnique(runs []storage.RunRecord) bool {
	seen := make(map[string]bool, len(runs))
	for _, r := range runs {
		if r.ParentRunID == "" || r.SpawnKey == "" {
			continue
		}
		key := r.ParentRunID + "|" + r.SpawnKey
		if seen[key] {
			reportViolation("child_spawn_key_unique")
			return false
		}
		seen[key] = true
	}
	return true
}

// DepthAndRootLineage holds when every run's depth is exactly one more than
// its parent's (or zero for a root) and every run in the batch shares its
// parent's root_run_id.
func DepthAndRootLineage(runs []storage.RunRecord) bool {
	byID := make(map[string]storage.RunRecord, len(runs))
	for _, r := range runs {
		byID[r.ID] = r
	}
	for _, r := range runs {
		if r.ParentRunID == "" {
			if r.Depth != 0 {
				reportViolation("depth_and_root_lineage")
				return false
			}
			continue
		}
		parent, ok := byID[r.ParentRunID]
		if !ok {
			continue // parent outside this batch; nothing to check
		}
		if r.Depth != parent.Depth+1 || r.RootRunID != parent.RootRunID {
			reportViolation("depth_and_root_lineage")
			return false
		}
	}
	return true
}

var terminalGroupStatus = map[string]bool{
	"completed": true, "completed_with_errors": true, "failed": true,
	"cancelled": true, "timed_out": true,
}

// GroupTerminalIsSticky holds when a group's status never moves away from a
// terminal value once reached, except the no-op of reapplying the same
// status (UpdateGroupStatus's own monotonicity check).
func GroupTerminalIsSticky(before, after storage.GroupRecord) bool {
	if terminalGroupStatus[before.Status] && after.Status != before.Status {
		reportViolation("group_terminal_is_sticky")
		return false
	}
	return true
}

var terminalRunStatus = map[string]bool{
	"completed": true, "failed": true, "cancelled": true, "timed_out": true,
}

// RunTerminalIsSticky is GroupTerminalIsSticky's run-level counterpart.
func RunTerminalIsSticky(before, after storage.RunRecord) bool {
	if terminalRunStatus[before.Status] && after.Status != before.Status {
		reportViolation("run_terminal_is_sticky")
		return false
	}
	return true
}

// SpawnWithinPolicySnapshot holds when a spawned child's depth does not
// exceed the maxDepth recorded on the policy snapshot in force at spawn
// time, and the number of children a single spawn_group call produced does
// not exceed maxFanout. Both numbers are meant to be read back from the
// group's persisted policy_snapshot_json and the children it produced.
func SpawnWithinPolicySnapshot(childDepth, maxDepth, childrenSpawned, maxFanout int) bool {
	if childDepth > maxDepth || childrenSpawned > maxFanout {
		reportViolation("spawn_within_policy_snapshot")
		return false
	}
	return true
}

// FailFastCancelsNonTerminal holds when, after a fail_fast or first_success
// join reaches a terminal status, every member not itself the triggering
// run has ended up in a terminal run status (typically cancelled).
func FailFastCancelsNonTerminal(memberStatuses []string) bool {
	for _, status := range memberStatuses {
		if !terminalRunStatus[status] {
			reportViolation("fail_fast_cancels_non_terminal")
			return false
		}
	}
	return true
}

// CancelSubtreeIdempotent holds when cancelling an already fully-cancelled
// subtree is a no-op: the second call's cancelled count must be zero.
func CancelSubtreeIdempotent(firstCallCancelledCount, secondCallCancelledCount int) bool {
	if secondCallCancelledCount != 0 {
		reportViolation("cancel_subtree_idempotent")
		return false
	}
	return true
}

// ChildScopesWithinParentAndPolicy holds when a derived grant's effective
// scopes are a subset of both the parent grant's effective scopes and (when
// nonempty) the policy's allowed_scope_subset.
func ChildScopesWithinParentAndPolicy(childEffective, parentEffective, policyAllowedSubset []string) error {
	parentSet := make(map[string]bool, len(parentEffective))
	for _, s := range parentEffective {
		parentSet[s] = true
	}
	for _, s := range childEffective {
		if !parentSet[s] {
			reportViolation("child_scopes_within_parent_and_policy")
			return errors.New("child grant carries a scope absent from the parent grant")
		}
	}
	if len(policyAllowedSubset) == 0 {
		return nil
	}
	policySet := make(map[string]bool, len(policyAllowedSubset))
	for _, s := range policyAllowedSubset {
		policySet[s] = true
	}
	for _, s := range childEffective {
		if !policySet[s] {
			reportViolation("child_scopes_within_parent_and_policy")
			return errors.New("child grant carries a scope outside the policy's allowed_scope_subset")
		}
	}
	return nil
}
