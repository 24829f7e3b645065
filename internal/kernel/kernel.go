// Package kernel implements the spawn, join, and cancellation engines: the
// orchestration kernel's runtime surface over the run store,
// identity/delegation, policy, and idempotency layers.
package kernel

import (
	"context"
	"time"

	"reach/services/runner/internal/identity"
	"reach/services/runner/internal/idempotency"
	"reach/services/runner/internal/policy"
	"reach/services/runner/internal/storage"
)

// AgentResolver resolves a spawn target to the minimal view the policy
// service needs to authorize it. Agent catalog/publication state lives
// outside the kernel; this is an out-of-scope collaborator the spawn
// algorithm assumes is already wired up.
type AgentResolver interface {
	ResolveAgentByID(ctx context.Context, tenantID, agentID string) (policy.TargetAgent, error)
	ResolveAgentBySlug(ctx context.Context, tenantID, slug string) (policy.TargetAgent, error)
}

// RunInterpreter is the out-of-scope collaborator that actually executes a
// spawned run's graph. The kernel only ever hands it a run id after commit.
type RunInterpreter interface {
	StartRun(ctx context.Context, runID string)
}

// FeatureGate is consulted at every runtime entry point. A nil gate is
// never passed to NewKernel; use featuregate.AlwaysEnabled for tests that
// don't care about gating.
type FeatureGate interface {
	RuntimeOrchestrationEnabled(ctx context.Context, tenantID string) bool
}

// Kernel wires the runtime orchestration surface to its collaborators. All
// public methods take tenantID explicitly; binding the caller's tenant to
// the authenticated principal is the surface adapter's job, not the
// kernel's.
type Kernel struct {
	store    *storage.SQLiteStore
	policy   *policy.Service
	identity *identity.Service
	idem     *idempotency.Layer
	agents   AgentResolver
	gate     FeatureGate
	interp   RunInterpreter

	grantTTL time.Duration
}

// Option customizes a Kernel at construction.
type Option func(*Kernel)

// WithRunInterpreter wires the collaborator spawn_run hands child_id to
// after commit when start_background is requested.
func WithRunInterpreter(interp RunInterpreter) Option {
	return func(k *Kernel) { k.interp = interp }
}

// WithGrantTTL overrides the default lifetime of a newly derived child grant.
func WithGrantTTL(ttl time.Duration) Option {
	return func(k *Kernel) { k.grantTTL = ttl }
}

const defaultGrantTTL = time.Hour

func NewKernel(store *storage.SQLiteStore, policySvc *policy.Service, identitySvc *identity.Service, idem *idempotency.Layer, agents AgentResolver, gate FeatureGate, opts ...Option) *Kernel {
	k := &Kernel{
		store: store, policy: policySvc, identity: identitySvc, idem: idem,
		agents: agents, gate: gate, grantTTL: defaultGrantTTL,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}
