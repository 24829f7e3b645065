// Command orchestratorctl exercises the orchestration kernel's runtime
// operations against a SQLite file: one flag.NewFlagSet-based subcommand
// per operation, a single run(ctx, args, out, errOut) int entry point
// main() exits with, no framework beyond the standard library.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"reach/services/runner/internal/config"
	"reach/services/runner/internal/featuregate"
	"reach/services/runner/internal/idempotency"
	"reach/services/runner/internal/identity"
	"reach/services/runner/internal/kernel"
	"reach/services/runner/internal/policy"
	"reach/services/runner/internal/storage"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(out)
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "loading config: %v\n", err)
		return 1
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		fmt.Fprintf(errOut, "opening storage at %s: %v\n", cfg.Storage.DSN, err)
		return 1
	}
	defer store.Close()

	gate, err := featuregate.NewGate(cfg.FeatureGate)
	if err != nil {
		fmt.Fprintf(errOut, "loading feature gate: %v\n", err)
		return 1
	}

	policySvc := policy.NewService(store)
	identitySvc := identity.NewService(store)
	idem := idempotency.NewLayer(store)
	agents := &cliAgentResolver{}
	k := kernel.NewKernel(store, policySvc, identitySvc, idem, agents, gate, kernel.WithGrantTTL(cfg.Orchestrator.GrantTTL))

	switch args[0] {
	case "spawn_run":
		return cmdSpawnRun(ctx, k, args[1:], out, errOut)
	case "spawn_group":
		return cmdSpawnGroup(ctx, k, args[1:], out, errOut)
	case "join":
		return cmdJoin(ctx, k, args[1:], out, errOut)
	case "cancel_subtree":
		return cmdCancelSubtree(ctx, k, args[1:], out, errOut)
	case "evaluate_and_replan":
		return cmdEvaluateAndReplan(ctx, k, args[1:], out, errOut)
	case "query_tree":
		return cmdQueryTree(ctx, k, args[1:], out, errOut)
	case "help", "-h", "--help":
		usage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown subcommand %q\n", args[0])
		usage(errOut)
		return 1
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "orchestratorctl: exercise the orchestration kernel against a SQLite file")
	fmt.Fprintln(out, "Usage: orchestratorctl <subcommand> [flags]")
	fmt.Fprintln(out, "Subcommands:")
	fmt.Fprintln(out, "  spawn_run            spawn a single child run")
	fmt.Fprintln(out, "  spawn_group          spawn a sibling group of child runs")
	fmt.Fprintln(out, "  join                 evaluate a group's join condition")
	fmt.Fprintln(out, "  cancel_subtree       cancel a run and its descendants")
	fmt.Fprintln(out, "  evaluate_and_replan  summarize a run's direct children")
	fmt.Fprintln(out, "  query_tree           list every run sharing a root_run_id")
	fmt.Fprintln(out, "Set ORCH_STORAGE_DSN to point at a database file other than the default.")
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdSpawnRun(ctx context.Context, k *kernel.Kernel, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("spawn_run", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "", "tenant id")
	callerRun := fs.String("caller-run", "", "caller run id")
	parentNode := fs.String("parent-node", "", "parent node id")
	targetID := fs.String("target-id", "", "target agent id")
	targetSlug := fs.String("target-slug", "", "target agent slug")
	scope := fs.String("scope", "", "comma-separated scope_subset")
	idemKey := fs.String("idempotency-key", "", "idempotency key")
	startBackground := fs.Bool("start-background", false, "start the interpreter immediately")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	result, err := k.SpawnRun(ctx, *tenant, kernel.SpawnRunInput{
		CallerRunID:     *callerRun,
		ParentNodeID:    *parentNode,
		TargetAgentID:   *targetID,
		TargetAgentSlug: *targetSlug,
		ScopeSubset:     splitCSV(*scope),
		IdempotencyKey:  *idemKey,
		StartBackground: *startBackground,
	})
	if err != nil {
		fmt.Fprintf(errOut, "spawn_run: %v\n", err)
		return 1
	}
	printJSON(out, result)
	return 0
}

func cmdSpawnGroup(ctx context.Context, k *kernel.Kernel, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("spawn_group", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "", "tenant id")
	callerRun := fs.String("caller-run", "", "caller run id")
	parentNode := fs.String("parent-node", "", "parent node id")
	targetIDs := fs.String("target-ids", "", "comma-separated target agent ids, one per member")
	failurePolicy := fs.String("failure-policy", "", "best_effort or fail_fast")
	joinMode := fs.String("join-mode", "all", "all, quorum, first_success, best_effort, fail_fast")
	quorum := fs.Int("quorum-threshold", 0, "quorum threshold (mode=quorum only)")
	timeoutS := fs.Int("timeout-s", 0, "join timeout in seconds, 0 = policy default")
	scope := fs.String("scope", "", "comma-separated scope_subset")
	idemPrefix := fs.String("idempotency-key-prefix", "", "idempotency key prefix")
	startBackground := fs.Bool("start-background", false, "start each member's interpreter immediately")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var targets []kernel.SpawnGroupTarget
	for _, id := range splitCSV(*targetIDs) {
		targets = append(targets, kernel.SpawnGroupTarget{TargetAgentID: id})
	}

	result, err := k.SpawnGroup(ctx, *tenant, kernel.SpawnGroupInput{
		CallerRunID:          *callerRun,
		ParentNodeID:         *parentNode,
		Targets:              targets,
		FailurePolicy:        *failurePolicy,
		JoinMode:             *joinMode,
		QuorumThreshold:      *quorum,
		HasQuorumThreshold:   *quorum > 0,
		TimeoutS:             *timeoutS,
		ScopeSubset:          splitCSV(*scope),
		IdempotencyKeyPrefix: *idemPrefix,
		StartBackground:      *startBackground,
	})
	if err != nil {
		fmt.Fprintf(errOut, "spawn_group: %v\n", err)
		return 1
	}
	printJSON(out, result)
	return 0
}

func cmdJoin(ctx context.Context, k *kernel.Kernel, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("join", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "", "tenant id")
	callerRun := fs.String("caller-run", "", "caller run id")
	groupID := fs.String("group-id", "", "orchestration group id")
	mode := fs.String("mode", "", "override the group's join mode")
	quorum := fs.Int("quorum-threshold", 0, "override the group's quorum threshold")
	timeoutS := fs.Int("timeout-s", 0, "override the group's timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	result, err := k.Join(ctx, *tenant, kernel.JoinInput{
		CallerRunID:          *callerRun,
		OrchestrationGroupID: *groupID,
		Mode:                 *mode,
		QuorumThreshold:      *quorum,
		HasQuorumThreshold:   *quorum > 0,
		TimeoutS:             *timeoutS,
		HasTimeoutS:          *timeoutS > 0,
	})
	if err != nil {
		fmt.Fprintf(errOut, "join: %v\n", err)
		return 1
	}
	printJSON(out, result)
	return 0
}

func cmdCancelSubtree(ctx context.Context, k *kernel.Kernel, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("cancel_subtree", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "", "tenant id")
	runID := fs.String("run-id", "", "run id to cancel")
	includeRoot := fs.Bool("include-root", true, "cancel run-id itself, not just its descendants")
	reason := fs.String("reason", "manual cancel via orchestratorctl", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	result, err := k.CancelSubtree(ctx, *tenant, *runID, *includeRoot, *reason)
	if err != nil {
		fmt.Fprintf(errOut, "cancel_subtree: %v\n", err)
		return 1
	}
	printJSON(out, result)
	return 0
}

func cmdEvaluateAndReplan(ctx context.Context, k *kernel.Kernel, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("evaluate_and_replan", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "", "tenant id")
	runID := fs.String("run-id", "", "run id whose children to summarize")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	result, err := k.EvaluateAndReplan(ctx, *tenant, *runID)
	if err != nil {
		fmt.Fprintf(errOut, "evaluate_and_replan: %v\n", err)
		return 1
	}
	printJSON(out, result)
	return 0
}

func cmdQueryTree(ctx context.Context, k *kernel.Kernel, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("query_tree", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "", "tenant id")
	rootRunID := fs.String("root-run-id", "", "root run id")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	runs, err := k.QueryTree(ctx, *tenant, *rootRunID)
	if err != nil {
		fmt.Fprintf(errOut, "query_tree: %v\n", err)
		return 1
	}
	printJSON(out, runs)
	return 0
}

// cliAgentResolver treats whatever target-id/target-slug the caller passed
// on the command line as already resolved and published: the orchestrator
// agent catalog is an out-of-scope collaborator, and this CLI exists for
// manually exercising the kernel, not for reimplementing that catalog.
type cliAgentResolver struct{}

func (cliAgentResolver) ResolveAgentByID(ctx context.Context, tenantID, agentID string) (policy.TargetAgent, error) {
	return policy.TargetAgent{ID: agentID, Published: true}, nil
}

func (cliAgentResolver) ResolveAgentBySlug(ctx context.Context, tenantID, slug string) (policy.TargetAgent, error) {
	return policy.TargetAgent{Slug: slug, Published: true}, nil
}
