package kernel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"reach/services/runner/internal/identity"
	"reach/services/runner/internal/idempotency"
	"reach/services/runner/internal/policy"
	"reach/services/runner/internal/storage"
)

const testTenant = "tenant-a"

// fakeAgents resolves a closed set of agents registered with addAgent.
type fakeAgents struct {
	byID   map[string]policy.TargetAgent
	bySlug map[string]policy.TargetAgent
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{byID: map[string]policy.TargetAgent{}, bySlug: map[string]policy.TargetAgent{}}
}

func (f *fakeAgents) addAgent(id, slug string, published bool) {
	a := policy.TargetAgent{ID: id, Slug: slug, Published: published}
	f.byID[id] = a
	f.bySlug[slug] = a
}

func (f *fakeAgents) ResolveAgentByID(ctx context.Context, tenantID, agentID string) (policy.TargetAgent, error) {
	a, ok := f.byID[agentID]
	if !ok {
		return policy.TargetAgent{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgents) ResolveAgentBySlug(ctx context.Context, tenantID, slug string) (policy.TargetAgent, error) {
	a, ok := f.bySlug[slug]
	if !ok {
		return policy.TargetAgent{}, storage.ErrNotFound
	}
	return a, nil
}

// fakeGate lets tests flip runtime orchestration off for a tenant.
type fakeGate struct {
	disabledTenants map[string]bool
}

func newFakeGate() *fakeGate { return &fakeGate{disabledTenants: map[string]bool{}} }

func (g *fakeGate) RuntimeOrchestrationEnabled(ctx context.Context, tenantID string) bool {
	return !g.disabledTenants[tenantID]
}

// fakeInterpreter records which run ids the kernel handed off for execution.
type fakeInterpreter struct {
	started []string
}

func (f *fakeInterpreter) StartRun(ctx context.Context, runID string) {
	f.started = append(f.started, runID)
}

type testHarness struct {
	store    *storage.SQLiteStore
	policy   *policy.Service
	identity *identity.Service
	idem     *idempotency.Layer
	agents   *fakeAgents
	gate     *fakeGate
	interp   *fakeInterpreter
	kernel   *Kernel
}

func newTestHarness(t *testing.T) (*testHarness, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &testHarness{
		store:    store,
		policy:   policy.NewService(store),
		identity: identity.NewService(store),
		idem:     idempotency.NewLayer(store),
		agents:   newFakeAgents(),
		gate:     newFakeGate(),
		interp:   &fakeInterpreter{},
	}
	h.kernel = NewKernel(h.store, h.policy, h.identity, h.idem, h.agents, h.gate, WithRunInterpreter(h.interp))
	return h, ctx
}

// seedRootRun creates a principal, a delegation grant with the given scopes,
// and a running root run bound to that grant, all owned by orchestratorAgentID.
func (h *testHarness) seedRootRun(t *testing.T, ctx context.Context, orchestratorAgentID string, scopes []string) storage.RunRecord {
	t.Helper()
	h.agents.addAgent(orchestratorAgentID, orchestratorAgentID, true)

	principal, err := h.identity.EnsurePrincipal(ctx, testTenant, orchestratorAgentID, orchestratorAgentID, identity.PrincipalSystem, "agent", orchestratorAgentID, scopes)
	if err != nil {
		t.Fatalf("EnsurePrincipal: %v", err)
	}
	grant, err := h.identity.CreateDelegationGrant(ctx, testTenant, principal.ID, "user-1", "root-run-pending", scopes, time.Hour)
	if err != nil {
		t.Fatalf("CreateDelegationGrant: %v", err)
	}
	root := storage.RunRecord{
		ID: "root-" + orchestratorAgentID, TenantID: testTenant, AgentID: orchestratorAgentID,
		InitiatorUserID: "user-1", WorkloadPrincipalID: principal.ID, DelegationGrantID: grant.ID,
		Status: "running", RootRunID: "root-" + orchestratorAgentID, Depth: 0, CreatedAt: time.Now().UTC(),
	}
	if err := h.store.InsertRun(ctx, root); err != nil {
		t.Fatalf("InsertRun(root): %v", err)
	}
	return root
}
