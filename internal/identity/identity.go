// Package identity implements workload principals and scoped delegation
// grants: the authorization chain a spawned run carries forward from its
// parent.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"reach/services/runner/internal/storage"
)

var (
	ErrInvalidScope    = errors.New("identity: requested scopes do not intersect the principal's approved scopes")
	ErrScopeOutOfRange = errors.New("identity: requested subset is not a subset of the parent grant's effective scopes")
)

// PrincipalType enumerates the kinds of non-human identity a run can act as.
type PrincipalType string

const (
	PrincipalAgent    PrincipalType = "agent"
	PrincipalArtifact PrincipalType = "artifact"
	PrincipalTool     PrincipalType = "tool"
	PrincipalSystem   PrincipalType = "system"
)

// Service binds the storage layer to the identity/delegation operations.
type Service struct {
	store *storage.SQLiteStore
}

func NewService(store *storage.SQLiteStore) *Service {
	return &Service{store: store}
}

// EnsurePrincipal creates or gets the workload principal bound to
// resourceType/resourceID, so repeated calls for the same underlying agent
// or tool never mint a second principal. SYSTEM principals are auto-approved
// immediately; everything else starts pending and needs ApproveScopePolicy.
func (s *Service) EnsurePrincipal(ctx context.Context, tenantID, name, slug string, ptype PrincipalType, resourceType, resourceID string, requestedScopes []string) (storage.PrincipalRecord, error) {
	if existing, err := s.store.GetPrincipalBinding(ctx, tenantID, resourceType, resourceID); err == nil {
		// Already bound: return the underlying principal unchanged.
		return s.store.GetPrincipalByID(ctx, tenantID, existing.PrincipalID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.PrincipalRecord{}, err
	}

	now := time.Now().UTC()
	rec := storage.PrincipalRecord{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		Name:          name,
		Slug:          slug,
		PrincipalType: string(ptype),
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.UpsertPrincipal(ctx, rec); err != nil {
		return storage.PrincipalRecord{}, err
	}
	principal, err := s.store.GetPrincipalBySlug(ctx, tenantID, slug)
	if err != nil {
		return storage.PrincipalRecord{}, err
	}

	if err := s.store.UpsertPrincipalBinding(ctx, storage.PrincipalBindingRecord{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		PrincipalID:  principal.ID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		CreatedAt:    now,
	}); err != nil {
		return storage.PrincipalRecord{}, err
	}

	status := "pending"
	approved := []string{}
	if ptype == PrincipalSystem {
		status = "approved"
		approved = requestedScopes
	}
	if err := s.store.InsertScopePolicy(ctx, storage.ScopePolicyRecord{
		ID:              uuid.New().String(),
		PrincipalID:     principal.ID,
		RequestedScopes: requestedScopes,
		ApprovedScopes:  approved,
		Status:          status,
		ApprovedAt:      now,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return storage.PrincipalRecord{}, err
	}
	return principal, nil
}

// ApproveScopePolicy records who approved a pending WorkloadScopePolicy and
// what scopes were actually granted (which may be a narrower set than
// requested). Spec.md only says "an explicit approval bumps version"; the
// recovered migration schema shows the approval is recorded against a
// generic ApprovalDecision ledger row as well as the scope policy itself.
func (s *Service) ApproveScopePolicy(ctx context.Context, tenantID, scopePolicyID, approvedBy string, approvedScopes []string) error {
	now := time.Now().UTC()
	approvalID := uuid.New().String()
	if err := s.store.InsertApproval(ctx, storage.ApprovalRecord{
		ID:          approvalID,
		TenantID:    tenantID,
		SubjectType: "workload_scope_policy",
		SubjectID:   scopePolicyID,
		ActionScope: "", // set per-scope by caller if finer granularity is needed
		Status:      "pending",
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	if err := s.store.ApproveScopePolicy(ctx, scopePolicyID, approvedBy, approvedScopes, now); err != nil {
		return err
	}
	return s.store.DecideApproval(ctx, approvalID, "approved", approvedBy, "scope policy approved", now)
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []string
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
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

// CreateDelegationGrant issues a grant whose effective scopes are the
// intersection of the requested scopes and the principal's latest approved
// scopes. Fails with ErrInvalidScope when that intersection is empty.
func (s *Service) CreateDelegationGrant(ctx context.Context, tenantID, principalID, initiatorUserID, runID string, requestedScopes []string, ttl time.Duration) (storage.GrantRecord, error) {
	approvedPolicy, err := s.store.GetLatestApprovedScopePolicy(ctx, principalID)
	if err != nil {
		return storage.GrantRecord{}, err
	}
	effective := intersect(requestedScopes, approvedPolicy.ApprovedScopes)
	if len(effective) == 0 {
		return storage.GrantRecord{}, ErrInvalidScope
	}
	now := time.Now().UTC()
	rec := storage.GrantRecord{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		PrincipalID:     principalID,
		InitiatorUserID: initiatorUserID,
		RunID:           runID,
		RequestedScopes: requestedScopes,
		EffectiveScopes: effective,
		Status:          "active",
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
	if err := s.store.InsertGrant(ctx, rec); err != nil {
		return storage.GrantRecord{}, err
	}
	return rec, nil
}

// DeriveChildGrant narrows a parent grant's effective scopes by the
// requested subset and the orchestrator policy's allowed_scope_subset (when
// that policy subset is nonempty). Fails ErrScopeOutOfRange if
// requestedSubset isn't a subset of the parent grant's own effective scopes,
// and ErrInvalidScope if the resulting intersection is empty.
func (s *Service) DeriveChildGrant(ctx context.Context, tenantID, childRunID string, parentGrant storage.GrantRecord, requestedSubset, policyAllowedSubset []string, ttl time.Duration) (storage.GrantRecord, error) {
	if !subsetOf(requestedSubset, parentGrant.EffectiveScopes) {
		return storage.GrantRecord{}, ErrScopeOutOfRange
	}
	effective := intersect(parentGrant.EffectiveScopes, requestedSubset)
	if len(policyAllowedSubset) > 0 {
		effective = intersect(effective, policyAllowedSubset)
	}
	if len(effective) == 0 {
		return storage.GrantRecord{}, ErrInvalidScope
	}
	now := time.Now().UTC()
	rec := storage.GrantRecord{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		PrincipalID:     parentGrant.PrincipalID,
		InitiatorUserID: parentGrant.InitiatorUserID,
		RunID:           childRunID,
		RequestedScopes: requestedSubset,
		EffectiveScopes: effective,
		Status:          "active",
		ExpiresAt:       now.Add(ttl),
		CreatedAt:       now,
	}
	if err := s.store.InsertGrant(ctx, rec); err != nil {
		return storage.GrantRecord{}, err
	}
	return rec, nil
}

// RevokeGrant marks the grant revoked and inserts a revocation row into the
// JTI registry for every outstanding token so downstream token checks fail
// fast rather than waiting for natural expiry.
func (s *Service) RevokeGrant(ctx context.Context, grantID, reason string) error {
	if err := s.store.RevokeGrant(ctx, grantID); err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.store.RevokeJTI(ctx, grantID, reason, now)
}

// IssueJTI registers a bearer-token identifier against grantID so
// RevokeGrant / the expiry sweeper can invalidate it later.
func (s *Service) IssueJTI(ctx context.Context, grantID string, expiresAt time.Time) (string, error) {
	jti := uuid.New().String()
	rec := storage.JTIRecord{JTI: jti, GrantID: grantID, ExpiresAt: expiresAt, CreatedAt: time.Now().UTC()}
	if err := s.store.InsertJTI(ctx, rec); err != nil {
		return "", err
	}
	return jti, nil
}
