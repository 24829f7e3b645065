// Package surface implements the thin request-binding layer every
// transport (HTTP, RPC, an internal dispatcher) sits behind before
// reaching the kernel. It resolves the caller's {tenant_id, scopes},
// checks the caller's run belongs to their own tenant, and requires the
// agents.execute scope before any kernel call — minus the HTTP listener
// itself, which is out of scope here.
package surface

import (
	"context"

	kernelerr "reach/services/runner/internal/errors"
	"reach/services/runner/internal/kernel"
	"reach/services/runner/internal/storage"
)

// requiredScope is the single scope every orchestration operation needs,
// checked once here rather than re-derived per operation.
const requiredScope = "agents.execute"

// Caller is the authenticated identity behind an inbound request, already
// resolved by whatever transport-specific authenticator sits in front of
// this package.
type Caller struct {
	TenantID string
	Scopes   []string
}

func (c Caller) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator resolves a transport-specific credential (a bearer token,
// a signed request, a session cookie) into a Caller. Transport specifics
// are out of scope; callers supply whatever token representation their
// transport uses as an opaque string.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Caller, error)
}

// Adapter binds authenticated callers to the kernel's six runtime
// operations.
type Adapter struct {
	kernel *kernel.Kernel
	auth   Authenticator
}

func NewAdapter(k *kernel.Kernel, auth Authenticator) *Adapter {
	return &Adapter{kernel: k, auth: auth}
}

// bind authenticates the credential, asserts it carries agents.execute,
// and asserts its tenant matches the tenant the caller claims to be
// acting within. runTenantID is the tenant the caller's run record
// belongs to, resolved by the transport before calling in (e.g. read off
// the run's own row) — this package never trusts a tenant_id the caller
// merely asserts in the request body.
func (a *Adapter) bind(ctx context.Context, credential, runTenantID string) (Caller, error) {
	caller, err := a.auth.Authenticate(ctx, credential)
	if err != nil {
		return Caller{}, kernelerr.Wrap(err, kernelerr.CodeInvalidArgument, "authenticate caller credential")
	}
	if caller.TenantID != runTenantID {
		return Caller{}, kernelerr.New(kernelerr.CodeTenantMismatch, "caller tenant does not match the run's tenant")
	}
	if !caller.hasScope(requiredScope) {
		return Caller{}, kernelerr.New(kernelerr.CodePolicyDenied, "caller is missing the agents.execute scope").
			WithContext("reason", string(kernelerr.ReasonScopeEmpty))
	}
	return caller, nil
}

func (a *Adapter) SpawnRun(ctx context.Context, credential, runTenantID string, in kernel.SpawnRunInput) (kernel.SpawnRunResult, error) {
	caller, err := a.bind(ctx, credential, runTenantID)
	if err != nil {
		return kernel.SpawnRunResult{}, err
	}
	return a.kernel.SpawnRun(ctx, caller.TenantID, in)
}

func (a *Adapter) SpawnGroup(ctx context.Context, credential, runTenantID string, in kernel.SpawnGroupInput) (kernel.SpawnGroupResult, error) {
	caller, err := a.bind(ctx, credential, runTenantID)
	if err != nil {
		return kernel.SpawnGroupResult{}, err
	}
	return a.kernel.SpawnGroup(ctx, caller.TenantID, in)
}

func (a *Adapter) Join(ctx context.Context, credential, runTenantID string, in kernel.JoinInput) (kernel.JoinResult, error) {
	caller, err := a.bind(ctx, credential, runTenantID)
	if err != nil {
		return kernel.JoinResult{}, err
	}
	return a.kernel.Join(ctx, caller.TenantID, in)
}

func (a *Adapter) CancelSubtree(ctx context.Context, credential, runTenantID, runID string, includeRoot bool, reason string) (kernel.CancelResult, error) {
	caller, err := a.bind(ctx, credential, runTenantID)
	if err != nil {
		return kernel.CancelResult{}, err
	}
	return a.kernel.CancelSubtree(ctx, caller.TenantID, runID, includeRoot, reason)
}

func (a *Adapter) EvaluateAndReplan(ctx context.Context, credential, runTenantID, runID string) (kernel.ReplanSummary, error) {
	caller, err := a.bind(ctx, credential, runTenantID)
	if err != nil {
		return kernel.ReplanSummary{}, err
	}
	return a.kernel.EvaluateAndReplan(ctx, caller.TenantID, runID)
}

func (a *Adapter) QueryTree(ctx context.Context, credential, runTenantID, rootRunID string) ([]storage.RunRecord, error) {
	caller, err := a.bind(ctx, credential, runTenantID)
	if err != nil {
		return nil, err
	}
	return a.kernel.QueryTree(ctx, caller.TenantID, rootRunID)
}
