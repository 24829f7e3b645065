package kernel

import (
	"context"
	"testing"
	"time"

	"reach/services/runner/internal/storage"
)

func spawnTestGroup(t *testing.T, h *testHarness, ctx context.Context, root storage.RunRecord, joinMode string, quorum int, hasQuorum bool, timeoutS int, n int) SpawnGroupResult {
	t.Helper()
	targets := make([]SpawnGroupTarget, n)
	for i := 0; i < n; i++ {
		agentID := "agent-" + string(rune('a'+i))
		h.agents.addAgent(agentID, agentID, true)
		allowTarget(t, h, root.AgentID, agentID, agentID)
		targets[i] = SpawnGroupTarget{TargetAgentID: agentID}
	}
	result, err := h.kernel.SpawnGroup(ctx, testTenant, SpawnGroupInput{
		CallerRunID: root.ID, Targets: targets, JoinMode: joinMode,
		QuorumThreshold: quorum, HasQuorumThreshold: hasQuorum, TimeoutS: timeoutS,
		ScopeSubset: []string{"agents.execute"}, IdempotencyKeyPrefix: "group-" + joinMode,
	})
	if err != nil {
		t.Fatalf("SpawnGroup(%s): %v", joinMode, err)
	}
	return result
}

func TestJoinAllCompletesWhenEveryMemberSucceeds(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "all", 0, false, 0, 2)
	for _, runID := range group.SpawnedRunIDs {
		if err := h.store.UpdateRunStatus(ctx, runID, "completed", time.Now().UTC()); err != nil {
			t.Fatalf("UpdateRunStatus: %v", err)
		}
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "completed" {
		t.Fatalf("expected complete/completed, got %+v", result)
	}
}

func TestJoinAllReportsCompletedWithErrorsOnMixedOutcome(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "all", 0, false, 0, 2)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "completed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[1], "failed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "completed_with_errors" {
		t.Fatalf("expected completed_with_errors, got %+v", result)
	}
}

func TestJoinAllNotCompleteWhileAMemberIsStillRunning(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "all", 0, false, 0, 2)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "completed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if result.Complete {
		t.Fatalf("expected not complete while a sibling is still queued, got %+v", result)
	}
}

func TestJoinFailFastCancelsRemainingMembers(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "fail_fast", 0, false, 0, 3)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "failed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "failed" {
		t.Fatalf("expected complete/failed, got %+v", result)
	}
	if result.CancellationPropagated != 2 {
		t.Fatalf("expected the 2 remaining members cancelled, got %d", result.CancellationPropagated)
	}
	for _, runID := range group.SpawnedRunIDs[1:] {
		r, err := h.store.GetRun(ctx, testTenant, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status != "cancelled" {
			t.Fatalf("expected sibling %s cancelled, got %s", runID, r.Status)
		}
	}
}

func TestJoinFirstSuccessCancelsRemainingMembers(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "first_success", 0, false, 0, 3)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[1], "completed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "completed" {
		t.Fatalf("expected complete/completed, got %+v", result)
	}
	if result.CancellationPropagated != 2 {
		t.Fatalf("expected 2 remaining members cancelled, got %d", result.CancellationPropagated)
	}
}

func TestJoinQuorumCompletesOnceThresholdMet(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "quorum", 2, true, 0, 3)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "completed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[1], "completed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "completed" {
		t.Fatalf("expected complete/completed once quorum met, got %+v", result)
	}
}

func TestJoinQuorumFailsWhenImpossible(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "quorum", 3, true, 0, 3)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "failed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[1], "failed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "failed" {
		t.Fatalf("expected complete/failed once quorum became impossible (1 running can't reach 3), got %+v", result)
	}
}

func TestJoinBestEffortAllFailedReportsFailed(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "best_effort", 0, false, 0, 2)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "failed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[1], "cancelled", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "failed" {
		t.Fatalf("expected complete/failed when every outcome is a failure, got %+v", result)
	}
}

func TestJoinTimeoutCancelsOutstandingMembers(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "all", 0, false, 0, 2)
	// back-date the group's started_at so the timeout has already elapsed.
	if _, err := h.store.DB().ExecContext(ctx, "UPDATE orchestration_groups SET started_at=? WHERE id=?",
		time.Now().UTC().Add(-2*time.Hour).Format(time.RFC3339Nano), group.OrchestrationGroupID); err != nil {
		t.Fatalf("back-date started_at: %v", err)
	}

	result, err := h.kernel.Join(ctx, testTenant, JoinInput{
		CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID,
		TimeoutS: 60, HasTimeoutS: true,
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !result.Complete || result.Status != "timed_out" {
		t.Fatalf("expected complete/timed_out, got %+v", result)
	}
	if result.CancellationPropagated != 2 {
		t.Fatalf("expected both members cancelled on timeout, got %d", result.CancellationPropagated)
	}
}

func TestJoinIsIdempotentOnceTerminal(t *testing.T) {
	h, ctx := newTestHarness(t)
	root := h.seedRootRun(t, ctx, "orchestrator-1", []string{"agents.execute"})
	group := spawnTestGroup(t, h, ctx, root, "all", 0, false, 0, 1)
	if err := h.store.UpdateRunStatus(ctx, group.SpawnedRunIDs[0], "completed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	first, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	second, err := h.kernel.Join(ctx, testTenant, JoinInput{CallerRunID: root.ID, OrchestrationGroupID: group.OrchestrationGroupID})
	if err != nil {
		t.Fatalf("Join (replay): %v", err)
	}
	if second.Status != first.Status || !second.Complete {
		t.Fatalf("expected replay to report the same terminal payload, got %+v vs %+v", first, second)
	}
	if second.CancellationPropagated != 0 {
		t.Fatalf("expected replay to have no further cancellation side effects, got %d", second.CancellationPropagated)
	}
}
