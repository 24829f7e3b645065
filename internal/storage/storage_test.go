package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	if store.db == nil {
		t.Error("expected db to be initialized")
	}
}

func TestInsertAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := RunRecord{
		ID:        "run-root",
		TenantID:  "tenant-1",
		AgentID:   "agent-a",
		Status:    "queued",
		RootRunID: "run-root",
		Depth:     0,
		CreatedAt: time.Now(),
	}
	if err := store.InsertRun(ctx, rec); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, rec.TenantID, rec.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.ID != rec.ID || got.TenantID != rec.TenantID || got.Status != rec.Status {
		t.Errorf("got %+v, want id/tenant/status from %+v", got, rec)
	}
	if got.Depth != 0 {
		t.Errorf("expected depth 0, got %d", got.Depth)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.GetRun(ctx, "nonexistent", "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertRunSpawnKeyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parent := RunRecord{ID: "parent-1", TenantID: "t1", AgentID: "a", Status: "running", RootRunID: "parent-1", CreatedAt: time.Now()}
	if err := store.InsertRun(ctx, parent); err != nil {
		t.Fatalf("InsertRun(parent) failed: %v", err)
	}

	child := RunRecord{
		ID: "child-1", TenantID: "t1", AgentID: "b", Status: "queued",
		RootRunID: "parent-1", ParentRunID: "parent-1", ParentNodeID: "node-1",
		Depth: 1, SpawnKey: "retry-key", CreatedAt: time.Now(),
	}
	if err := store.InsertRun(ctx, child); err != nil {
		t.Fatalf("InsertRun(child) failed: %v", err)
	}

	// Same parent_run_id+spawn_key under retry: insert is rejected, caller
	// looks the original child up by the same key (catch-and-lookup).
	retry := child
	retry.ID = "child-1-retry-attempt"
	err := store.InsertRun(ctx, retry)
	if err != ErrSpawnKeyConflict {
		t.Fatalf("expected ErrSpawnKeyConflict, got %v", err)
	}

	found, err := store.GetRunBySpawnKey(ctx, "parent-1", "retry-key")
	if err != nil {
		t.Fatalf("GetRunBySpawnKey failed: %v", err)
	}
	if found.ID != "child-1" {
		t.Errorf("expected to find original child-1, got %s", found.ID)
	}
}

func TestUpdateRunStatusTerminalIsSticky(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := RunRecord{ID: "run-a", TenantID: "t1", AgentID: "a", Status: "running", RootRunID: "run-a", CreatedAt: time.Now()}
	if err := store.InsertRun(ctx, rec); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	if err := store.UpdateRunStatus(ctx, rec.ID, "completed", time.Now()); err != nil {
		t.Fatalf("UpdateRunStatus(completed) failed: %v", err)
	}

	if err := store.UpdateRunStatus(ctx, rec.ID, "cancelled", time.Now()); err != ErrNonMonotoneStatus {
		t.Fatalf("expected ErrNonMonotoneStatus after terminal, got %v", err)
	}

	// Repeating the same terminal status is idempotent, not an error.
	if err := store.UpdateRunStatus(ctx, rec.ID, "completed", time.Now()); err != nil {
		t.Fatalf("re-applying the same terminal status should be a no-op, got %v", err)
	}

	got, err := store.GetRun(ctx, rec.TenantID, rec.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("expected status completed, got %s", got.Status)
	}
}

func TestListChildrenAndByRoot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root := RunRecord{ID: "root", TenantID: "t1", AgentID: "a", Status: "running", RootRunID: "root", CreatedAt: time.Now()}
	if err := store.InsertRun(ctx, root); err != nil {
		t.Fatalf("InsertRun(root) failed: %v", err)
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		c := RunRecord{
			ID: id, TenantID: "t1", AgentID: "a", Status: "queued",
			RootRunID: "root", ParentRunID: "root", ParentNodeID: "fanout",
			Depth: 1, SpawnKey: id, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.InsertRun(ctx, c); err != nil {
			t.Fatalf("InsertRun(%s) failed: %v", id, err)
		}
	}

	children, err := store.ListChildren(ctx, "root")
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(children) != 3 {
		t.Errorf("expected 3 children, got %d", len(children))
	}

	all, err := store.ListByRoot(ctx, "root")
	if err != nil {
		t.Fatalf("ListByRoot failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 runs under root (including root itself), got %d", len(all))
	}
}

func TestGroupAndMembersLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	orchestrator := RunRecord{ID: "orc-1", TenantID: "t1", AgentID: "a", Status: "running", RootRunID: "orc-1", CreatedAt: time.Now()}
	if err := store.InsertRun(ctx, orchestrator); err != nil {
		t.Fatalf("InsertRun(orchestrator) failed: %v", err)
	}

	group := GroupRecord{
		ID: "group-1", TenantID: "t1", OrchestratorRunID: "orc-1", ParentNodeID: "fanout",
		FailurePolicy: "best_effort", JoinMode: "quorum", QuorumThreshold: 2, HasQuorumThreshold: true,
		TimeoutS: 60, Status: "running", StartedAt: time.Now(),
	}
	if err := store.InsertGroup(ctx, group); err != nil {
		t.Fatalf("InsertGroup failed: %v", err)
	}

	members := []GroupMemberRecord{
		{GroupID: "group-1", RunID: "m1", Ordinal: 0, Status: "queued"},
		{GroupID: "group-1", RunID: "m2", Ordinal: 1, Status: "queued"},
		{GroupID: "group-1", RunID: "m3", Ordinal: 2, Status: "queued"},
	}
	if err := store.InsertMembers(ctx, nil, members); err != nil {
		t.Fatalf("InsertMembers failed: %v", err)
	}

	if err := store.InsertMembers(ctx, nil, members[:1]); err != ErrGroupConflict {
		t.Fatalf("expected ErrGroupConflict on duplicate member insert, got %v", err)
	}

	if err := store.UpdateMemberStatus(ctx, nil, "group-1", "m1", "completed"); err != nil {
		t.Fatalf("UpdateMemberStatus failed: %v", err)
	}

	got, err := store.ListMembers(ctx, "group-1")
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got))
	}
	if got[0].Status != "completed" {
		t.Errorf("expected m1 completed, got %s", got[0].Status)
	}

	if err := store.UpdateGroupStatus(ctx, nil, "group-1", "completed", time.Now()); err != nil {
		t.Fatalf("UpdateGroupStatus failed: %v", err)
	}
	if err := store.UpdateGroupStatus(ctx, nil, "group-1", "failed", time.Now()); err != ErrNonMonotoneStatus {
		t.Fatalf("expected ErrNonMonotoneStatus for group, got %v", err)
	}
}

func TestPolicyUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := PolicyRecord{
		ID: "policy-1", TenantID: "t1", OrchestratorAgentID: "orchestrator-agent",
		IsActive: true, EnforcePublishedOnly: true, DefaultFailurePolicy: "best_effort",
		MaxDepth: 3, MaxFanout: 8, MaxChildrenTotal: 32, JoinTimeoutS: 60,
		AllowedScopeSubset: []string{"read:docs", "write:notes"},
		CreatedAt:          time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.UpsertPolicy(ctx, p); err != nil {
		t.Fatalf("UpsertPolicy failed: %v", err)
	}

	got, err := store.GetPolicy(ctx, "t1", "orchestrator-agent")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if got.MaxDepth != 3 || got.MaxFanout != 8 || got.MaxChildrenTotal != 32 {
		t.Errorf("got %+v, want limits 3/8/32", got)
	}
	if len(got.AllowedScopeSubset) != 2 {
		t.Errorf("expected 2 scopes, got %d", len(got.AllowedScopeSubset))
	}

	// Upsert again with a tighter fanout; same tenant+orchestrator key updates in place.
	p.MaxFanout = 4
	if err := store.UpsertPolicy(ctx, p); err != nil {
		t.Fatalf("UpsertPolicy (update) failed: %v", err)
	}
	got, err = store.GetPolicy(ctx, "t1", "orchestrator-agent")
	if err != nil {
		t.Fatalf("GetPolicy after update failed: %v", err)
	}
	if got.MaxFanout != 4 {
		t.Errorf("expected updated MaxFanout 4, got %d", got.MaxFanout)
	}
}

func TestAllowlistFiltersInactive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `INSERT INTO orchestrator_target_allowlists(id,tenant_id,orchestrator_agent_id,target_agent_slug,is_active,created_at)
		VALUES('a1','t1','orc','billing-agent',1,?)`, ts(time.Now()))
	if err != nil {
		t.Fatalf("seed active allowlist row failed: %v", err)
	}
	_, err = store.db.ExecContext(ctx, `INSERT INTO orchestrator_target_allowlists(id,tenant_id,orchestrator_agent_id,target_agent_slug,is_active,created_at)
		VALUES('a2','t1','orc','retired-agent',0,?)`, ts(time.Now()))
	if err != nil {
		t.Fatalf("seed inactive allowlist row failed: %v", err)
	}

	entries, err := store.ListAllowlist(ctx, "t1", "orc")
	if err != nil {
		t.Fatalf("ListAllowlist failed: %v", err)
	}
	if len(entries) != 1 || entries[0].TargetAgentSlug != "billing-agent" {
		t.Errorf("expected only the active entry, got %+v", entries)
	}
}

func TestPrincipalAndBinding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	principal := PrincipalRecord{
		ID: "principal-1", TenantID: "t1", Name: "Billing Agent", Slug: "billing-agent",
		PrincipalType: "agent", IsActive: true, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.UpsertPrincipal(ctx, principal); err != nil {
		t.Fatalf("UpsertPrincipal failed: %v", err)
	}

	got, err := store.GetPrincipalBySlug(ctx, "t1", "billing-agent")
	if err != nil {
		t.Fatalf("GetPrincipalBySlug failed: %v", err)
	}
	if got.ID != "principal-1" || got.PrincipalType != "agent" {
		t.Errorf("got %+v", got)
	}

	binding := PrincipalBindingRecord{
		ID: "bind-1", TenantID: "t1", PrincipalID: "principal-1",
		ResourceType: "agent", ResourceID: "billing-agent-v2", CreatedAt: time.Now(),
	}
	if err := store.UpsertPrincipalBinding(ctx, binding); err != nil {
		t.Fatalf("UpsertPrincipalBinding failed: %v", err)
	}
	boundTo, err := store.GetPrincipalBinding(ctx, "t1", "agent", "billing-agent-v2")
	if err != nil {
		t.Fatalf("GetPrincipalBinding failed: %v", err)
	}
	if boundTo.PrincipalID != "principal-1" {
		t.Errorf("expected principal-1, got %s", boundTo.PrincipalID)
	}
}

func TestScopePolicyApprovalFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sp := ScopePolicyRecord{
		ID: "sp-1", PrincipalID: "principal-1", RequestedScopes: []string{"read:docs", "write:docs"},
		Status: "pending", Version: 1, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.InsertScopePolicy(ctx, sp); err != nil {
		t.Fatalf("InsertScopePolicy failed: %v", err)
	}

	if _, err := store.GetLatestApprovedScopePolicy(ctx, "principal-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before approval, got %v", err)
	}

	if err := store.ApproveScopePolicy(ctx, "sp-1", "reviewer-1", []string{"read:docs"}, time.Now()); err != nil {
		t.Fatalf("ApproveScopePolicy failed: %v", err)
	}
	// Re-approving an already-decided policy is a no-op error, not silent success.
	if err := store.ApproveScopePolicy(ctx, "sp-1", "reviewer-2", []string{"read:docs"}, time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound re-approving a decided policy, got %v", err)
	}

	approved, err := store.GetLatestApprovedScopePolicy(ctx, "principal-1")
	if err != nil {
		t.Fatalf("GetLatestApprovedScopePolicy failed: %v", err)
	}
	if len(approved.ApprovedScopes) != 1 || approved.ApprovedScopes[0] != "read:docs" {
		t.Errorf("expected narrowed scope read:docs, got %+v", approved.ApprovedScopes)
	}
}

func TestDelegationGrantAndJTIRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant := GrantRecord{
		ID: "grant-1", TenantID: "t1", PrincipalID: "principal-1",
		RequestedScopes: []string{"read:docs"}, EffectiveScopes: []string{"read:docs"},
		Status: "active", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}
	if err := store.InsertGrant(ctx, grant); err != nil {
		t.Fatalf("InsertGrant failed: %v", err)
	}
	got, err := store.GetGrant(ctx, "t1", "grant-1")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if got.Status != "active" {
		t.Errorf("expected active, got %s", got.Status)
	}

	jti := JTIRecord{JTI: "jti-1", GrantID: "grant-1", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	if err := store.InsertJTI(ctx, jti); err != nil {
		t.Fatalf("InsertJTI failed: %v", err)
	}
	if err := store.InsertJTI(ctx, jti); err != ErrGroupConflict {
		t.Fatalf("expected ErrGroupConflict re-registering the same jti, got %v", err)
	}

	if err := store.RevokeGrant(ctx, "grant-1"); err != nil {
		t.Fatalf("RevokeGrant failed: %v", err)
	}
	got, err = store.GetGrant(ctx, "t1", "grant-1")
	if err != nil {
		t.Fatalf("GetGrant after revoke failed: %v", err)
	}
	if got.Status != "revoked" {
		t.Errorf("expected revoked, got %s", got.Status)
	}
}

func TestSweepExpiredJTIs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expired := JTIRecord{JTI: "jti-expired", GrantID: "grant-1", ExpiresAt: time.Now().Add(-time.Hour), CreatedAt: time.Now()}
	live := JTIRecord{JTI: "jti-live", GrantID: "grant-1", ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now()}
	if err := store.InsertJTI(ctx, expired); err != nil {
		t.Fatalf("InsertJTI(expired) failed: %v", err)
	}
	if err := store.InsertJTI(ctx, live); err != nil {
		t.Fatalf("InsertJTI(live) failed: %v", err)
	}

	n, err := store.SweepExpiredJTIs(ctx, time.Now())
	if err != nil {
		t.Fatalf("SweepExpiredJTIs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected to sweep 1 expired jti, got %d", n)
	}
}

func TestApprovalDecisionFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := ApprovalRecord{
		ID: "approval-1", TenantID: "t1", SubjectType: "delegation_grant", SubjectID: "grant-1",
		ActionScope: "write:docs", Status: "pending", CreatedAt: time.Now(),
	}
	if err := store.InsertApproval(ctx, a); err != nil {
		t.Fatalf("InsertApproval failed: %v", err)
	}
	if err := store.DecideApproval(ctx, "approval-1", "approved", "reviewer-1", "looks fine", time.Now()); err != nil {
		t.Fatalf("DecideApproval failed: %v", err)
	}
	if err := store.DecideApproval(ctx, "approval-1", "approved", "reviewer-1", "again", time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound re-deciding, got %v", err)
	}
}

func TestAppendAndListAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"reason": "spawned"})
	a := AuditRecord{TenantID: "t1", RunID: "run-1", Type: "run.spawned", Payload: payload, CreatedAt: time.Now()}
	if err := store.AppendAudit(ctx, a); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}

	got, err := store.ListAudit(ctx, "t1", "run-1")
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(got) != 1 || got[0].Type != "run.spawned" {
		t.Errorf("got %+v", got)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := RunRecord{ID: "run-events", TenantID: "t1", AgentID: "a", Status: "running", RootRunID: "run-events", CreatedAt: time.Now()}
	if err := store.InsertRun(ctx, run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	events := []EventRecord{
		{RunID: "run-events", Type: "run.spawned", Payload: []byte(`{"msg":"started"}`), CreatedAt: time.Now()},
		{RunID: "run-events", Type: "run.progress", Payload: []byte(`{"step":1}`), CreatedAt: time.Now()},
		{RunID: "run-events", Type: "run.completed", Payload: []byte(`{"done":true}`), CreatedAt: time.Now()},
	}

	var lastID int64
	for _, e := range events {
		id, err := store.AppendEvent(ctx, e)
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		lastID = id
	}
	if lastID == 0 {
		t.Fatal("expected non-zero event id")
	}

	all, err := store.ListEvents(ctx, "run-events", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	after, err := store.ListEvents(ctx, "run-events", all[0].ID)
	if err != nil {
		t.Fatalf("ListEvents(after) failed: %v", err)
	}
	if len(after) != 2 {
		t.Errorf("expected 2 events after the first, got %d", len(after))
	}
}

func TestListRunsByIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		rec := RunRecord{ID: id, TenantID: "t1", AgentID: "a", Status: "queued", RootRunID: id, CreatedAt: time.Now()}
		if err := store.InsertRun(ctx, rec); err != nil {
			t.Fatalf("InsertRun(%s) failed: %v", id, err)
		}
	}

	got, err := store.ListRunsByIDs(ctx, []string{"r1", "r3", "missing"})
	if err != nil {
		t.Fatalf("ListRunsByIDs failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 matched runs, got %d", len(got))
	}
}

func TestCountDescendantsByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	root := RunRecord{ID: "root", TenantID: "t1", AgentID: "a", Status: "running", RootRunID: "root", CreatedAt: time.Now()}
	if err := store.InsertRun(ctx, root); err != nil {
		t.Fatalf("InsertRun(root) failed: %v", err)
	}
	statuses := []string{"completed", "completed", "failed"}
	for i, status := range statuses {
		c := RunRecord{
			ID: status + "-" + time.Now().Format("150405.000000000") + "-" + string(rune('a'+i)),
			TenantID: "t1", AgentID: "a", Status: status,
			RootRunID: "root", ParentRunID: "root", Depth: 1, CreatedAt: time.Now(),
		}
		if err := store.InsertRun(ctx, c); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	counts, err := store.CountDescendantsByStatus(ctx, "root", "root")
	if err != nil {
		t.Fatalf("CountDescendantsByStatus failed: %v", err)
	}
	if counts["completed"] != 2 || counts["failed"] != 1 {
		t.Errorf("got %+v, want completed=2 failed=1", counts)
	}
}
