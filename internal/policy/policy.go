// Package policy implements the orchestrator policy service: per
// (tenant, orchestrator_agent) limits, target allowlisting, and scope-subset
// attenuation. A denial is a CodePolicyDenied error carrying a
// machine-readable reason, rather than a bare bool.
package policy

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	kernelerr "reach/services/runner/internal/errors"
	"reach/services/runner/internal/storage"
)

// defaulted snapshot returned when no OrchestratorPolicy row exists.
const (
	defaultMaxDepth             = 3
	defaultMaxFanout            = 8
	defaultMaxChildrenTotal     = 32
	defaultJoinTimeoutS         = 60
	defaultFailurePolicy        = "best_effort"
	defaultEnforcePublishedOnly = true
)

// Snapshot is the effective policy at the moment a spawn or group decision
// is made. It is embedded verbatim on OrchestrationGroup.policy_snapshot so
// later join/cancel decisions are evaluated against the same numbers the
// spawn used, even if the live policy row changes afterward.
type Snapshot struct {
	TenantID                  string
	OrchestratorAgentID       string
	EnforcePublishedOnly      bool
	DefaultFailurePolicy      string
	MaxDepth                  int
	MaxFanout                 int
	MaxChildrenTotal          int
	JoinTimeoutS              int
	AllowedScopeSubset        []string
	CapabilityManifestVersion int
}

// TargetAgent is the minimal view of an agent the policy service needs to
// authorize it as a spawn target. Agent resolution/publication status is an
// out-of-scope collaborator; the kernel is handed this view already
// resolved.
type TargetAgent struct {
	ID        string
	Slug      string
	Published bool
}

// Service resolves policy snapshots and evaluates the target, scope, and
// spawn-limit assertions. A decision cache keyed by (tenant, orchestrator)
// avoids re-reading the policy row on every spawn within a burst.
type Service struct {
	store *storage.SQLiteStore

	cacheMu sync.RWMutex
	cache   map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snapshot Snapshot
	expires  time.Time
}

const snapshotCacheTTL = 2 * time.Second

func NewService(store *storage.SQLiteStore) *Service {
	return &Service{store: store, cache: make(map[string]cachedSnapshot)}
}

// InvalidateCache drops all cached policy snapshots, for use after an
// operator updates a policy row out of band.
func (s *Service) InvalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = make(map[string]cachedSnapshot)
}

func cacheKey(tenantID, orchestratorAgentID string) string {
	return tenantID + "|" + orchestratorAgentID
}

// GetPolicy returns the effective policy for (tenant, orchestrator_agent),
// or a defaulted snapshot when no row exists.
func (s *Service) GetPolicy(ctx context.Context, tenantID, orchestratorAgentID string) (Snapshot, error) {
	key := cacheKey(tenantID, orchestratorAgentID)
	s.cacheMu.RLock()
	if cached, ok := s.cache[key]; ok && time.Now().Before(cached.expires) {
		s.cacheMu.RUnlock()
		return cached.snapshot, nil
	}
	s.cacheMu.RUnlock()

	snapshot, err := s.loadPolicy(ctx, tenantID, orchestratorAgentID)
	if err != nil {
		return Snapshot{}, err
	}

	s.cacheMu.Lock()
	s.cache[key] = cachedSnapshot{snapshot: snapshot, expires: time.Now().Add(snapshotCacheTTL)}
	s.cacheMu.Unlock()
	return snapshot, nil
}

func (s *Service) loadPolicy(ctx context.Context, tenantID, orchestratorAgentID string) (Snapshot, error) {
	rec, err := s.store.GetPolicy(ctx, tenantID, orchestratorAgentID)
	if err == storage.ErrNotFound {
		return Snapshot{
			TenantID:                  tenantID,
			OrchestratorAgentID:       orchestratorAgentID,
			EnforcePublishedOnly:      defaultEnforcePublishedOnly,
			DefaultFailurePolicy:      defaultFailurePolicy,
			MaxDepth:                  defaultMaxDepth,
			MaxFanout:                 defaultMaxFanout,
			MaxChildrenTotal:          defaultMaxChildrenTotal,
			JoinTimeoutS:              defaultJoinTimeoutS,
			CapabilityManifestVersion: 1,
		}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		TenantID:                  rec.TenantID,
		OrchestratorAgentID:       rec.OrchestratorAgentID,
		EnforcePublishedOnly:      rec.EnforcePublishedOnly,
		DefaultFailurePolicy:      rec.DefaultFailurePolicy,
		MaxDepth:                  rec.MaxDepth,
		MaxFanout:                 rec.MaxFanout,
		MaxChildrenTotal:          rec.MaxChildrenTotal,
		JoinTimeoutS:              rec.JoinTimeoutS,
		AllowedScopeSubset:        rec.AllowedScopeSubset,
		CapabilityManifestVersion: rec.CapabilityManifestVersion,
	}, nil
}

func policyDenied(reason kernelerr.PolicyReason, message string) *kernelerr.ReachError {
	return kernelerr.New(kernelerr.CodePolicyDenied, message).WithContext("reason", string(reason))
}

// AssertTargetAllowed enforces published-only status and allowlist
// membership. An orchestrator with no active allowlist entries at all is
// fail-closed: every target is rejected.
func (s *Service) AssertTargetAllowed(ctx context.Context, snapshot Snapshot, target TargetAgent) error {
	if snapshot.EnforcePublishedOnly && !target.Published {
		return policyDenied(kernelerr.ReasonTargetNotPublished, "target agent is not published")
	}

	entries, err := s.store.ListAllowlist(ctx, snapshot.TenantID, snapshot.OrchestratorAgentID)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "load target allowlist")
	}
	if len(entries) == 0 {
		return policyDenied(kernelerr.ReasonNoAllowlistEntries, "orchestrator has no allowlist entries")
	}
	for _, e := range entries {
		if e.TargetAgentID != "" && e.TargetAgentID == target.ID {
			return nil
		}
		if e.TargetAgentSlug != "" && strings.EqualFold(e.TargetAgentSlug, target.Slug) {
			return nil
		}
	}
	return policyDenied(kernelerr.ReasonTargetNotAllowlisted, "target agent is not on the orchestrator's allowlist")
}

func subsetOf(sub, super []string) bool {
	set := make(map[string]bool, len(super))
	for _, v := range super {
		set[v] = true
	}
	for _, v := range sub {
		if !set[v] {
			return false
		}
	}
	return true
}

// AssertScopeSubset checks requestedSubset is nonempty, a subset of the
// caller's own effective scopes, and (when the policy subset is set) a
// subset of the policy's allowed_scope_subset.
func (s *Service) AssertScopeSubset(snapshot Snapshot, requestedSubset, callerEffectiveScopes []string) error {
	if len(requestedSubset) == 0 {
		return policyDenied(kernelerr.ReasonScopeEmpty, "scope_subset must be nonempty")
	}
	if !subsetOf(requestedSubset, callerEffectiveScopes) {
		return policyDenied(kernelerr.ReasonScopeNotCallerSubset, "scope_subset exceeds caller's effective scopes")
	}
	if len(snapshot.AllowedScopeSubset) > 0 && !subsetOf(requestedSubset, snapshot.AllowedScopeSubset) {
		return policyDenied(kernelerr.ReasonScopeNotPolicySubset, "scope_subset exceeds policy's allowed_scope_subset")
	}
	return nil
}

// SpawnLimitsInput bundles the counters AssertSpawnLimits needs to evaluate
// all three limits against one snapshot atomically.
type SpawnLimitsInput struct {
	RootRunID         string
	ParentRunID       string
	ParentDepth       int
	RequestedChildren int
}

// AssertSpawnLimits checks depth, per-parent fanout, and whole-subtree
// children-total limits against the same policy snapshot.
func (s *Service) AssertSpawnLimits(ctx context.Context, snapshot Snapshot, in SpawnLimitsInput) error {
	if in.ParentDepth+1 > snapshot.MaxDepth {
		return policyDenied(kernelerr.ReasonMaxDepthExceeded, "spawning would exceed max_depth")
	}
	if in.RequestedChildren < 1 || in.RequestedChildren > snapshot.MaxFanout {
		return policyDenied(kernelerr.ReasonMaxFanoutExceeded, "requested_children exceeds max_fanout")
	}

	children, err := s.store.ListChildren(ctx, in.ParentRunID)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "count children")
	}
	if len(children)+in.RequestedChildren > snapshot.MaxFanout {
		return policyDenied(kernelerr.ReasonMaxFanoutExceeded, "parent's total children would exceed max_fanout")
	}

	descendants, err := s.store.CountDescendantsByStatus(ctx, in.RootRunID, in.RootRunID)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "count descendants")
	}
	total := 0
	for _, n := range descendants {
		total += n
	}
	if total+in.RequestedChildren > snapshot.MaxChildrenTotal {
		return policyDenied(kernelerr.ReasonMaxChildrenTotal, "subtree would exceed max_children_total")
	}
	return nil
}

// AssertSpawnLimitsTx is AssertSpawnLimits evaluated against an already
// row-locked parent's conn, so the fanout/children-total counts it reads
// and the insert the caller performs right after see a consistent,
// serialized view of the parent's subtree. Two concurrent spawns under the
// same parent can no longer both observe room for one more child: the
// second one blocks on the BEGIN IMMEDIATE lock until the first commits.
func (s *Service) AssertSpawnLimitsTx(ctx context.Context, conn *sql.Conn, snapshot Snapshot, in SpawnLimitsInput) error {
	if in.ParentDepth+1 > snapshot.MaxDepth {
		return policyDenied(kernelerr.ReasonMaxDepthExceeded, "spawning would exceed max_depth")
	}
	if in.RequestedChildren < 1 || in.RequestedChildren > snapshot.MaxFanout {
		return policyDenied(kernelerr.ReasonMaxFanoutExceeded, "requested_children exceeds max_fanout")
	}

	children, err := s.store.ListChildrenTx(ctx, conn, in.ParentRunID)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "count children")
	}
	if len(children)+in.RequestedChildren > snapshot.MaxFanout {
		return policyDenied(kernelerr.ReasonMaxFanoutExceeded, "parent's total children would exceed max_fanout")
	}

	descendants, err := s.store.CountDescendantsByStatusTx(ctx, conn, in.RootRunID, in.RootRunID)
	if err != nil {
		return kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "count descendants")
	}
	total := 0
	for _, n := range descendants {
		total += n
	}
	if total+in.RequestedChildren > snapshot.MaxChildrenTotal {
		return policyDenied(kernelerr.ReasonMaxChildrenTotal, "subtree would exceed max_children_total")
	}
	return nil
}
