// Package graphspec implements a compile-time graph validator: it walks
// an agent graph's orchestration nodes before any run starts and
// rejects the ones that could not pass policy or the v2/v1 version gate at
// runtime, reporting a Violation/EvaluationResult pair rather than a bare
// bool so a caller can see every reason a graph was rejected at once.
package graphspec

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	kernelerr "reach/services/runner/internal/errors"
	"reach/services/runner/internal/policy"
)

// GraphSpecVersion is the minimum graph schema version carrying
// orchestration nodes. Graphs below this major version may not declare
// spawn_run/spawn_group/join/cancel_subtree/evaluate_and_replan nodes.
const GraphSpecVersion = "2.0"

// NodeType identifies a graph node's kind. Only the five orchestration node
// types are checked here; every other value passes through untouched.
type NodeType string

const (
	NodeSpawnRun          NodeType = "spawn_run"
	NodeSpawnGroup        NodeType = "spawn_group"
	NodeJoin              NodeType = "join"
	NodeCancelSubtree     NodeType = "cancel_subtree"
	NodeEvaluateAndReplan NodeType = "evaluate_and_replan"
)

func isOrchestrationNode(t NodeType) bool {
	switch t {
	case NodeSpawnRun, NodeSpawnGroup, NodeJoin, NodeCancelSubtree, NodeEvaluateAndReplan:
		return true
	}
	return false
}

// TargetSpec is one fanout target declared on a spawn_group node.
type TargetSpec struct {
	TargetAgentID   string
	TargetAgentSlug string
}

// Node is one orchestration node in the graph under validation. Depth and
// RootNodeID are declared fanouts and declared depth paths, set by the
// graph author rather than derived by traversing edges; a conservative
// declaration is permitted to over-approximate the true runtime
// fanout/depth.
type Node struct {
	ID                   string
	Type                 NodeType
	OrchestratorAgentID  string
	RootNodeID           string // nodes sharing a RootNodeID are summed together for max_children_total
	Depth                int    // statically declared depth from the orchestration root
	TargetAgentID        string
	TargetAgentSlug      string
	Targets              []TargetSpec // spawn_group fanout
	ScopeSubset          []string
	JoinMode             string
	QuorumThreshold      int
	HasQuorumThreshold   bool
	JoinsSpawnGroupNodeID string
}

func (n Node) fanout() int {
	switch n.Type {
	case NodeSpawnRun:
		return 1
	case NodeSpawnGroup:
		return len(n.Targets)
	default:
		return 0
	}
}

// Graph is the agent graph submitted for static validation.
type Graph struct {
	SpecVersion string
	TenantID    string
	Nodes       []Node
}

// ViolationCode identifies a specific static-validation failure.
type ViolationCode string

const (
	ViolationLegacyOrchestrationNode  ViolationCode = "ORCHESTRATION_NODE_IN_V1_GRAPH"
	ViolationSurfaceDisabled          ViolationCode = "GRAPHSPEC_V2_DISABLED"
	ViolationTargetNotPublished       ViolationCode = "TARGET_NOT_PUBLISHED"
	ViolationTargetNotAllowlisted     ViolationCode = "TARGET_NOT_ALLOWLISTED"
	ViolationNoAllowlistEntries       ViolationCode = "NO_ALLOWLIST_ENTRIES"
	ViolationScopeNotPolicySubset     ViolationCode = "SCOPE_NOT_POLICY_SUBSET"
	ViolationMaxDepthExceeded         ViolationCode = "MAX_DEPTH_EXCEEDED"
	ViolationMaxFanoutExceeded        ViolationCode = "MAX_FANOUT_EXCEEDED"
	ViolationMaxChildrenTotalExceeded ViolationCode = "MAX_CHILDREN_TOTAL_EXCEEDED"
	ViolationJoinMissingLinkage       ViolationCode = "JOIN_MISSING_SPAWN_GROUP_LINKAGE"
	ViolationJoinQuorumNoThreshold    ViolationCode = "JOIN_QUORUM_WITHOUT_THRESHOLD"
)

// Violation is a single static-validation failure attributed to one node.
type Violation struct {
	NodeID  string
	Code    ViolationCode
	Message string
}

// EvaluationResult is the outcome of validating a graph.
type EvaluationResult struct {
	Allowed    bool
	Violations []Violation
}

func (r *EvaluationResult) reject(nodeID string, code ViolationCode, format string, args ...any) {
	r.Allowed = false
	r.Violations = append(r.Violations, Violation{NodeID: nodeID, Code: code, Message: fmt.Sprintf(format, args...)})
}

// AgentResolver is the same out-of-scope collaborator the runtime kernel
// uses to turn a spawn target into a publication/slug view.
type AgentResolver interface {
	ResolveAgentByID(ctx context.Context, tenantID, agentID string) (policy.TargetAgent, error)
	ResolveAgentBySlug(ctx context.Context, tenantID, slug string) (policy.TargetAgent, error)
}

// FeatureGate is consulted once per validation call, short-circuiting the
// rest of the check when a tenant has v2 graph validation turned off.
type FeatureGate interface {
	GraphSpecV2Enabled(ctx context.Context, tenantID string) bool
}

// Validator resolves policy once per orchestrator agent appearing in a
// graph and checks every orchestration node against it.
type Validator struct {
	policy *policy.Service
	agents AgentResolver
	gate   FeatureGate
}

func NewValidator(policySvc *policy.Service, agents AgentResolver, gate FeatureGate) *Validator {
	return &Validator{policy: policySvc, agents: agents, gate: gate}
}

// majorVersion parses the leading dot-separated component of a version
// string for a strict major-version compatibility gate.
func majorVersion(version string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 2)
	if len(parts) == 0 || parts[0] == "" {
		return 0, fmt.Errorf("invalid version %q", version)
	}
	return strconv.Atoi(parts[0])
}

// Validate walks every orchestration node in g and returns the accumulated
// violations. A non-nil error means validation itself could not complete
// (a policy-store read failed); it is distinct from a populated, non-empty
// Violations list, which means the graph was read fine and rejected.
func (v *Validator) Validate(ctx context.Context, g Graph) (EvaluationResult, error) {
	result := EvaluationResult{Allowed: true}

	graphMajor, err := majorVersion(g.SpecVersion)
	if err != nil {
		return EvaluationResult{}, kernelerr.Wrap(err, kernelerr.CodeGraphSpecVersionMismatch, "graph spec_version is invalid")
	}
	wantMajor, _ := majorVersion(GraphSpecVersion)
	isV2 := graphMajor >= wantMajor

	if !isV2 {
		for _, n := range g.Nodes {
			if isOrchestrationNode(n.Type) {
				result.reject(n.ID, ViolationLegacyOrchestrationNode,
					"orchestration node type %q is not permitted in a spec_version=%q graph", n.Type, g.SpecVersion)
			}
		}
		return result, nil
	}

	if v.gate != nil && !v.gate.GraphSpecV2Enabled(ctx, g.TenantID) {
		for _, n := range g.Nodes {
			if isOrchestrationNode(n.Type) {
				result.reject(n.ID, ViolationSurfaceDisabled, "GraphSpec v2 is disabled for this tenant")
			}
		}
		return result, nil
	}

	snapshots := make(map[string]policy.Snapshot)
	childrenTotal := make(map[string]int) // RootNodeID -> summed declared fanout

	for _, n := range g.Nodes {
		if n.RootNodeID != "" {
			childrenTotal[n.RootNodeID] += n.fanout()
		}
	}

	nodeByID := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeByID[n.ID] = n
	}

	for _, n := range g.Nodes {
		switch n.Type {
		case NodeSpawnRun, NodeSpawnGroup:
			snapshot, ok := snapshots[n.OrchestratorAgentID]
			if !ok {
				snapshot, err = v.policy.GetPolicy(ctx, g.TenantID, n.OrchestratorAgentID)
				if err != nil {
					return EvaluationResult{}, kernelerr.Wrap(err, kernelerr.CodeStorageReadFailed, "load policy for static validation")
				}
				snapshots[n.OrchestratorAgentID] = snapshot
			}
			v.checkSpawnNode(ctx, g, n, snapshot, childrenTotal, &result)
		case NodeJoin:
			v.checkJoinNode(n, nodeByID, &result)
		}
	}

	return result, nil
}

func (v *Validator) checkSpawnNode(ctx context.Context, g Graph, n Node, snapshot policy.Snapshot, childrenTotal map[string]int, result *EvaluationResult) {
	if n.Depth > snapshot.MaxDepth {
		result.reject(n.ID, ViolationMaxDepthExceeded, "declared depth %d exceeds policy max_depth %d", n.Depth, snapshot.MaxDepth)
	}
	if n.Type == NodeSpawnGroup && n.fanout() > snapshot.MaxFanout {
		result.reject(n.ID, ViolationMaxFanoutExceeded, "declared fanout %d exceeds policy max_fanout %d", n.fanout(), snapshot.MaxFanout)
	}
	if n.RootNodeID != "" && childrenTotal[n.RootNodeID] > snapshot.MaxChildrenTotal {
		result.reject(n.ID, ViolationMaxChildrenTotalExceeded,
			"declared children total %d under root %q exceeds policy max_children_total %d",
			childrenTotal[n.RootNodeID], n.RootNodeID, snapshot.MaxChildrenTotal)
	}

	targets := n.Targets
	if n.Type == NodeSpawnRun {
		targets = []TargetSpec{{TargetAgentID: n.TargetAgentID, TargetAgentSlug: n.TargetAgentSlug}}
	}
	for _, t := range targets {
		target, err := v.resolveTarget(ctx, g.TenantID, t)
		if err != nil {
			result.reject(n.ID, ViolationTargetNotAllowlisted, "target %s/%s could not be resolved: %v", t.TargetAgentID, t.TargetAgentSlug, err)
			continue
		}
		if err := v.policy.AssertTargetAllowed(ctx, snapshot, target); err != nil {
			result.reject(n.ID, classifyTargetViolation(err), "%v", err)
		}
	}

	if !subsetOf(n.ScopeSubset, snapshot.AllowedScopeSubset) && len(snapshot.AllowedScopeSubset) > 0 {
		result.reject(n.ID, ViolationScopeNotPolicySubset, "declared scope_subset is not a subset of policy allowed_scope_subset")
	}
}

func (v *Validator) checkJoinNode(n Node, nodeByID map[string]Node, result *EvaluationResult) {
	upstream, ok := nodeByID[n.JoinsSpawnGroupNodeID]
	if n.JoinsSpawnGroupNodeID == "" || !ok || upstream.Type != NodeSpawnGroup {
		result.reject(n.ID, ViolationJoinMissingLinkage, "join node has no linkage to exactly one upstream spawn_group node")
	}
	if n.JoinMode == "quorum" && (!n.HasQuorumThreshold || n.QuorumThreshold <= 0) {
		result.reject(n.ID, ViolationJoinQuorumNoThreshold, "join mode=quorum requires a positive quorum_threshold")
	}
}

func (v *Validator) resolveTarget(ctx context.Context, tenantID string, t TargetSpec) (policy.TargetAgent, error) {
	if t.TargetAgentID != "" {
		return v.agents.ResolveAgentByID(ctx, tenantID, t.TargetAgentID)
	}
	return v.agents.ResolveAgentBySlug(ctx, tenantID, t.TargetAgentSlug)
}

func classifyTargetViolation(err error) ViolationCode {
	if reachErr, ok := err.(*kernelerr.ReachError); ok {
		switch kernelerr.PolicyReason(reachErr.Context["reason"]) {
		case kernelerr.ReasonTargetNotPublished:
			return ViolationTargetNotPublished
		case kernelerr.ReasonNoAllowlistEntries:
			return ViolationNoAllowlistEntries
		}
	}
	return ViolationTargetNotAllowlisted
}

func subsetOf(sub, super []string) bool {
	if len(super) == 0 {
		return true
	}
	set := make(map[string]bool, len(super))
	for _, s := range super {
		set[s] = true
	}
	for _, s := range sub {
		if !set[s] {
			return false
		}
	}
	return true
}
