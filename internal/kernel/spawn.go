package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	kernelerr "reach/services/runner/internal/errors"
	"reach/services/runner/internal/identity"
	"reach/services/runner/internal/policy"
	"reach/services/runner/internal/storage"
)

// SpawnRunInput is spawn_run's request.
type SpawnRunInput struct {
	CallerRunID        string
	ParentNodeID       string
	TargetAgentID      string
	TargetAgentSlug    string
	MappedInputPayload json.RawMessage
	FailurePolicy      string
	TimeoutS           int
	ScopeSubset        []string
	IdempotencyKey     string
	StartBackground    bool
}

// SpawnRunResult is spawn_run's response.
type SpawnRunResult struct {
	SpawnedRunIDs []string
	Idempotent    bool
}

// resolvedChild is a spawn target fully prepared (resolved, policy-checked,
// given a principal and a derived grant) but not yet inserted. Preparing a
// child never touches the parent run's row, so it always happens before the
// parent's row lock is acquired.
type resolvedChild struct {
	childID     string
	target      policy.TargetAgent
	principalID string
	grantID     string
	input       json.RawMessage
}

// prepareChild resolves targetAgentID/targetAgentSlug, asserts it against
// snapshot and the caller's scope subset, and mints the child's principal
// and delegation grant. It never touches the parent run's row.
func (k *Kernel) prepareChild(ctx context.Context, tenantID string, snapshot policy.Snapshot, callerGrant storage.GrantRecord, targetAgentID, targetAgentSlug string, scopeSubset []string, input json.RawMessage) (resolvedChild, error) {
	target, err := k.resolveTarget(ctx, tenantID, targetAgentID, targetAgentSlug)
	if err != nil {
		return resolvedChild{}, err
	}
	if err := k.policy.AssertTargetAllowed(ctx, snapshot, target); err != nil {
		return resolvedChild{}, err
	}
	if err := k.policy.AssertScopeSubset(snapshot, scopeSubset, callerGrant.EffectiveScopes); err != nil {
		return resolvedChild{}, err
	}

	childID := uuid.New().String()
	childPrincipal, err := k.identity.EnsurePrincipal(ctx, tenantID, target.Slug, target.Slug, identity.PrincipalAgent, "agent", target.ID, scopeSubset)
	if err != nil {
		return resolvedChild{}, kernelerr.Wrap(err, kernelerr.CodeStorageWriteFailed, "ensure child principal")
	}
	childGrant, err := k.identity.DeriveChildGrant(ctx, tenantID, childID, callerGrant, scopeSubset, snapshot.AllowedScopeSubset, k.grantTTL)
	if err != nil {
		return resolvedChild{}, mapIdentityErr(err)
	}

	return resolvedChild{childID: childID, target: target, principalID: childPrincipal.ID, grantID: childGrant.ID, input: input}, nil
}

// spawnChildLocked asserts spawn limits and inserts rc as a child of caller,
// both against conn — i.e. both inside the same BEGIN IMMEDIATE
// transaction the caller already holds on the parent run. This is the only
// place the fanout/children-total counts are read and the child is
// inserted, so it is the one piece of spawn_run/spawn_group that must
// never run outside a lock held on the parent.
func (k *Kernel) spawnChildLocked(ctx context.Context, conn *sql.Conn, tenantID string, caller storage.RunRecord, snapshot policy.Snapshot, parentNodeID, idempotencyKey string, rc resolvedChild) (storage.RunRecord, error) {
	if err := k.policy.AssertSpawnLimitsTx(ctx, conn, snapshot, policy.SpawnLimitsInput{
		RootRunID: caller.RootRunID, ParentRunID: caller.ID, ParentDepth: caller.Depth, RequestedChildren: 1,
	}); err != nil {
		return storage.RunRecord{}, err
	}

	rec := storage.RunRecord{
		ID: rc.childID, TenantID: tenantID, AgentID: rc.target.ID,
		InitiatorUserID: caller.InitiatorUserID, WorkloadPrincipalID: rc.principalID, DelegationGrantID: rc.grantID,
		Status: "queued", RootRunID: caller.RootRunID, ParentRunID: caller.ID, ParentNodeID: parentNodeID,
		Depth: caller.Depth + 1, SpawnKey: idempotencyKey, Input: rc.input,
		CapabilityManifestVersion: snapshot.CapabilityManifestVersion,
		CreatedAt: time.Now().UTC(),
	}
	stored, err := k.idem.SpawnRunTx(ctx, conn, rec)
	if err != nil {
		return storage.RunRecord{}, kernelerr.Wrap(err, kernelerr.CodeStoreConflict, "insert child run")
	}
	return stored, nil
}

// asReachErr passes a *kernelerr.ReachError through unchanged; anything
// else escaping a locked transaction is classified under fallback.
func asReachErr(err error, fallback kernelerr.Code, message string) error {
	if _, ok := err.(*kernelerr.ReachError); ok {
		return err
	}
	return kernelerr.Wrap(err, fallback, message)
}

// SpawnRun resolves the target, asserts policy, derives child scopes, and
// inserts the child idempotently on (parent_run_id, spawn_key). The fanout
// check and the insert both happen inside one transaction that holds the
// parent run's row lock, so two concurrent spawns under the same parent
// can never both observe room for a child only one of them can actually
// have: the second one blocks on the lock until the first commits.
func (k *Kernel) SpawnRun(ctx context.Context, tenantID string, in SpawnRunInput) (SpawnRunResult, error) {
	if !k.gate.RuntimeOrchestrationEnabled(ctx, tenantID) {
		return SpawnRunResult{}, kernelerr.New(kernelerr.CodeFeatureDisabled, "runtime orchestration primitives are disabled for this tenant")
	}

	caller, err := k.store.GetRun(ctx, tenantID, in.CallerRunID)
	if err != nil {
		return SpawnRunResult{}, kernelerr.Wrap(err, kernelerr.CodeNotFound, "load caller run")
	}

	// The policy snapshot and the caller's own grant are independent
	// reads against the connection pool, not the parent's locked row, so
	// they are fetched concurrently.
	var snapshot policy.Snapshot
	var callerGrant storage.GrantRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := k.policy.GetPolicy(gctx, tenantID, caller.AgentID)
		if err != nil {
			return kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "load policy")
		}
		snapshot = s
		return nil
	})
	g.Go(func() error {
		gr, err := k.store.GetGrant(gctx, tenantID, caller.DelegationGrantID)
		if err != nil {
			return kernelerr.Wrap(err, kernelerr.CodeNotFound, "load caller grant")
		}
		callerGrant = gr
		return nil
	})
	if err := g.Wait(); err != nil {
		return SpawnRunResult{}, err
	}

	rc, err := k.prepareChild(ctx, tenantID, snapshot, callerGrant, in.TargetAgentID, in.TargetAgentSlug, in.ScopeSubset, in.MappedInputPayload)
	if err != nil {
		return SpawnRunResult{}, err
	}

	var stored storage.RunRecord
	err = k.store.GetRunForUpdate(ctx, tenantID, in.CallerRunID, func(ctx context.Context, conn *sql.Conn, lockedCaller storage.RunRecord) error {
		s, err := k.spawnChildLocked(ctx, conn, tenantID, lockedCaller, snapshot, in.ParentNodeID, in.IdempotencyKey, rc)
		if err != nil {
			return err
		}
		stored = s
		return nil
	})
	if err != nil {
		return SpawnRunResult{}, asReachErr(err, kernelerr.CodeStoreConflict, "insert child run")
	}
	idempotent := stored.ID != rc.childID

	if in.StartBackground && !idempotent && k.interp != nil {
		k.interp.StartRun(ctx, stored.ID)
	}
	return SpawnRunResult{SpawnedRunIDs: []string{stored.ID}, Idempotent: idempotent}, nil
}

func (k *Kernel) resolveTarget(ctx context.Context, tenantID, targetID, targetSlug string) (policy.TargetAgent, error) {
	if targetID != "" {
		target, err := k.agents.ResolveAgentByID(ctx, tenantID, targetID)
		if err != nil {
			return policy.TargetAgent{}, kernelerr.Wrap(err, kernelerr.CodeNotFound, "resolve target agent")
		}
		return target, nil
	}
	target, err := k.agents.ResolveAgentBySlug(ctx, tenantID, targetSlug)
	if err != nil {
		return policy.TargetAgent{}, kernelerr.Wrap(err, kernelerr.CodeNotFound, "resolve target agent")
	}
	return target, nil
}

func mapIdentityErr(err error) error {
	switch err {
	case identity.ErrInvalidScope:
		return kernelerr.New(kernelerr.CodeInvalidScope, err.Error())
	case identity.ErrScopeOutOfRange:
		return kernelerr.New(kernelerr.CodeScopeOutOfRange, err.Error())
	default:
		return err
	}
}

// SpawnGroupTarget is one element of spawn_group's targets list.
type SpawnGroupTarget struct {
	TargetAgentID      string
	TargetAgentSlug    string
	MappedInputPayload json.RawMessage
}

// SpawnGroupInput is spawn_group's request.
type SpawnGroupInput struct {
	CallerRunID          string
	ParentNodeID         string
	Targets              []SpawnGroupTarget
	FailurePolicy        string
	JoinMode             string
	QuorumThreshold      int
	HasQuorumThreshold   bool
	TimeoutS             int
	ScopeSubset          []string
	IdempotencyKeyPrefix string
	StartBackground      bool
}

// SpawnGroupResult is spawn_group's response.
type SpawnGroupResult struct {
	OrchestrationGroupID string
	SpawnedRunIDs        []string
	Idempotent           bool
}

// SpawnGroup runs one group-level idempotency check (on
// (orchestrator_run_id, parent_node_id, idempotency_key_prefix), so a
// retried group spawn can never race a partially-materialized earlier
// attempt), resolves every target concurrently, then spawns all of the
// group's children and inserts its membership rows inside a single
// transaction holding the parent's row lock. If any target fails its
// per-child spawn-limit check partway through the loop, the whole
// transaction rolls back — targets spawned earlier in the same loop never
// persist, so a partial failure leaves no orphan runs.
func (k *Kernel) SpawnGroup(ctx context.Context, tenantID string, in SpawnGroupInput) (SpawnGroupResult, error) {
	if !k.gate.RuntimeOrchestrationEnabled(ctx, tenantID) {
		return SpawnGroupResult{}, kernelerr.New(kernelerr.CodeFeatureDisabled, "runtime orchestration primitives are disabled for this tenant")
	}
	if len(in.Targets) == 0 {
		return SpawnGroupResult{}, kernelerr.New(kernelerr.CodeValidationError, "spawn_group requires at least one target")
	}
	if in.JoinMode == "quorum" && !in.HasQuorumThreshold {
		return SpawnGroupResult{}, kernelerr.New(kernelerr.CodeValidationError, "join_mode=quorum requires a quorum_threshold")
	}

	caller, err := k.store.GetRun(ctx, tenantID, in.CallerRunID)
	if err != nil {
		return SpawnGroupResult{}, kernelerr.Wrap(err, kernelerr.CodeNotFound, "load caller run")
	}
	snapshot, err := k.policy.GetPolicy(ctx, tenantID, caller.AgentID)
	if err != nil {
		return SpawnGroupResult{}, kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "load policy")
	}
	// Fast-fail batch check before any target resolution work is spent;
	// the authoritative per-child check happens under the parent's lock
	// inside spawnChildLocked.
	if err := k.policy.AssertSpawnLimits(ctx, snapshot, policy.SpawnLimitsInput{
		RootRunID: caller.RootRunID, ParentRunID: caller.ID, ParentDepth: caller.Depth, RequestedChildren: len(in.Targets),
	}); err != nil {
		return SpawnGroupResult{}, err
	}
	callerGrant, err := k.store.GetGrant(ctx, tenantID, caller.DelegationGrantID)
	if err != nil {
		return SpawnGroupResult{}, kernelerr.Wrap(err, kernelerr.CodeNotFound, "load caller grant")
	}

	snapshotJSON, _ := json.Marshal(snapshot)
	groupRec := storage.GroupRecord{
		ID: uuid.New().String(), TenantID: tenantID, OrchestratorRunID: caller.ID, ParentNodeID: in.ParentNodeID,
		IdempotencyKeyPrefix: in.IdempotencyKeyPrefix, FailurePolicy: in.FailurePolicy, JoinMode: in.JoinMode,
		QuorumThreshold: in.QuorumThreshold, HasQuorumThreshold: in.HasQuorumThreshold, TimeoutS: in.TimeoutS,
		Status: "running", PolicySnapshot: snapshotJSON, StartedAt: time.Now().UTC(),
	}
	group, err := k.idem.SpawnGroup(ctx, groupRec)
	if err != nil {
		return SpawnGroupResult{}, kernelerr.Wrap(err, kernelerr.CodeStoreConflict, "insert group")
	}
	idempotent := group.ID != groupRec.ID
	if idempotent {
		members, err := k.store.ListMembers(ctx, group.ID)
		if err != nil {
			return SpawnGroupResult{}, kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "list existing members")
		}
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.RunID
		}
		return SpawnGroupResult{OrchestrationGroupID: group.ID, SpawnedRunIDs: ids, Idempotent: true}, nil
	}

	// Every target's resolution (agent lookup, policy checks, principal
	// and grant minting) is independent of the others and touches neither
	// the parent run's row nor any other target's state, so they run
	// concurrently.
	resolved := make([]resolvedChild, len(in.Targets))
	rg, rgctx := errgroup.WithContext(ctx)
	for i, t := range in.Targets {
		i, t := i, t
		rg.Go(func() error {
			rc, err := k.prepareChild(rgctx, tenantID, snapshot, callerGrant, t.TargetAgentID, t.TargetAgentSlug, in.ScopeSubset, t.MappedInputPayload)
			if err != nil {
				return err
			}
			resolved[i] = rc
			return nil
		})
	}
	if err := rg.Wait(); err != nil {
		return SpawnGroupResult{}, err
	}

	spawnedIDs := make([]string, 0, len(resolved))
	members := make([]storage.GroupMemberRecord, 0, len(resolved))
	err = k.store.GetRunForUpdate(ctx, tenantID, in.CallerRunID, func(ctx context.Context, conn *sql.Conn, lockedCaller storage.RunRecord) error {
		for ordinal, rc := range resolved {
			stored, err := k.spawnChildLocked(ctx, conn, tenantID, lockedCaller, snapshot, in.ParentNodeID, fmtOrdinalKey(in.IdempotencyKeyPrefix, ordinal), rc)
			if err != nil {
				return err
			}
			spawnedIDs = append(spawnedIDs, stored.ID)
			members = append(members, storage.GroupMemberRecord{GroupID: group.ID, RunID: stored.ID, Ordinal: ordinal, Status: "running"})
		}
		return k.store.InsertMembers(ctx, conn, members)
	})
	if err != nil {
		return SpawnGroupResult{}, asReachErr(err, kernelerr.CodeStoreConflict, "insert group members")
	}

	return SpawnGroupResult{OrchestrationGroupID: group.ID, SpawnedRunIDs: spawnedIDs, Idempotent: false}, nil
}

func fmtOrdinalKey(prefix string, ordinal int) string {
	return fmt.Sprintf("%s:%d", prefix, ordinal)
}
