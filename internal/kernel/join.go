package kernel

import (
	"context"
	"database/sql"
	"time"

	"reach/services/runner/internal/storage"
)

var terminalGroupStatus = map[string]bool{
	"completed": true, "completed_with_errors": true, "failed": true,
	"cancelled": true, "timed_out": true,
}

// JoinInput is join's request. Mode, QuorumThreshold, and TimeoutS default
// to the group's own values when zero/unset.
type JoinInput struct {
	CallerRunID          string
	OrchestrationGroupID string
	Mode                 string
	QuorumThreshold      int
	HasQuorumThreshold   bool
	TimeoutS             int
	HasTimeoutS          bool
}

// MemberSummary is one member's status as reported by join.
type MemberSummary struct {
	RunID   string
	Ordinal int
	Status  string
}

// JoinResult is join's response.
type JoinResult struct {
	Complete               bool
	Status                 string
	Mode                   string
	Results                []MemberSummary
	CancellationPropagated int
}

type memberCounts struct {
	total, completed, failed, cancelled, timedOut, running int
}

func countMembers(members []storage.GroupMemberRecord, statusOf map[string]string) memberCounts {
	var c memberCounts
	c.total = len(members)
	for _, m := range members {
		switch statusOf[m.RunID] {
		case "completed":
			c.completed++
		case "failed":
			c.failed++
		case "cancelled":
			c.cancelled++
		case "timed_out":
			c.timedOut++
		default:
			c.running++
		}
	}
	return c
}

func summarize(members []storage.GroupMemberRecord, statusOf map[string]string) []MemberSummary {
	out := make([]MemberSummary, len(members))
	for i, m := range members {
		out[i] = MemberSummary{RunID: m.RunID, Ordinal: m.Ordinal, Status: statusOf[m.RunID]}
	}
	return out
}

// nonTerminalRunIDs returns, in ordinal order, the run ids of every member
// not yet in a terminal run status.
func nonTerminalRunIDs(members []storage.GroupMemberRecord, statusOf map[string]string) []string {
	var out []string
	for _, m := range members {
		if !terminalRunStatus[statusOf[m.RunID]] {
			out = append(out, m.RunID)
		}
	}
	return out
}

// allStatus derives the terminal group status shared by "all" and
// "best_effort" once every member has reached a terminal run status:
// completed iff every member completed, completed_with_errors if at least
// one but not every member completed, failed if no member completed. best_effort's
// all-failed case resolves to "failed", matching "all": zero successes
// leaves nothing to call partial.
func allStatus(c memberCounts) string {
	switch {
	case c.completed == c.total:
		return "completed"
	case c.completed > 0:
		return "completed_with_errors"
	default:
		return "failed"
	}
}

// evaluateMode applies the join_mode's completion rule to the member
// statuses already observed, returning whether the group is now complete,
// the group status to transition to, and which non-terminal members (if
// any) should be cancelled as a side effect.
func evaluateMode(mode string, members []storage.GroupMemberRecord, statusOf map[string]string, quorum int, hasQuorum bool, c memberCounts) (complete bool, status string, cancelRunIDs []string) {
	switch mode {
	case "fail_fast":
		if c.failed > 0 {
			return true, "failed", nonTerminalRunIDs(members, statusOf)
		}
		if c.running == 0 {
			return true, allStatus(c), nil
		}
		return false, "", nil

	case "first_success":
		if c.completed > 0 {
			return true, "completed", nonTerminalRunIDs(members, statusOf)
		}
		if c.running == 0 {
			return true, "failed", nil
		}
		return false, "", nil

	case "quorum":
		if !hasQuorum {
			quorum = c.total
		}
		succeeded := c.completed
		failedOrGone := c.failed + c.cancelled + c.timedOut
		if succeeded >= quorum {
			return true, "completed", nil
		}
		if succeeded+c.running < quorum {
			return true, "failed", nil
		}
		_ = failedOrGone
		return false, "", nil

	case "best_effort":
		if c.running == 0 {
			return true, allStatus(c), nil
		}
		return false, "", nil

	default: // "all"
		if c.running == 0 {
			return true, allStatus(c), nil
		}
		return false, "", nil
	}
}

// Join evaluates a sibling group's join condition inside one row-locking
// transaction on the group: a timeout check, then the join_mode's
// completion rule, updating the group's status and cancelling any
// still-running siblings as a side effect of fail_fast, first_success, or
// timeout. Once the group is terminal, further calls replay the same
// payload with no further side effects. Cancellation of affected runs is
// propagated after the group transaction commits, so it never nests a
// second row lock inside this one.
func (k *Kernel) Join(ctx context.Context, tenantID string, in JoinInput) (JoinResult, error) {
	now := time.Now().UTC()

	var result JoinResult
	var toCancel []string

	err := k.store.GetGroupForUpdate(ctx, tenantID, in.OrchestrationGroupID, func(ctx context.Context, conn *sql.Conn, group storage.GroupRecord) error {
		mode := in.Mode
		if mode == "" {
			mode = group.JoinMode
		}
		quorum := group.QuorumThreshold
		hasQuorum := group.HasQuorumThreshold
		if in.HasQuorumThreshold {
			quorum, hasQuorum = in.QuorumThreshold, true
		}
		timeoutS := group.TimeoutS
		if in.HasTimeoutS {
			timeoutS = in.TimeoutS
		}

		members, err := k.store.ListMembersTx(ctx, conn, group.ID)
		if err != nil {
			return err
		}
		runIDs := make([]string, len(members))
		for i, m := range members {
			runIDs[i] = m.RunID
		}
		runs, err := k.store.ListRunsByIDs(ctx, runIDs)
		if err != nil {
			return err
		}
		statusOf := make(map[string]string, len(runs))
		for _, r := range runs {
			statusOf[r.ID] = r.Status
		}

		if terminalGroupStatus[group.Status] {
			result = JoinResult{Complete: true, Status: group.Status, Mode: mode, Results: summarize(members, statusOf)}
			return nil
		}

		elapsed := now.Sub(group.StartedAt)
		if timeoutS > 0 && elapsed >= time.Duration(timeoutS)*time.Second {
			cancelRunIDs := nonTerminalRunIDs(members, statusOf)
			if err := k.store.UpdateGroupStatus(ctx, conn, group.ID, "timed_out", now); err != nil && err != storage.ErrNonMonotoneStatus {
				return err
			}
			for _, runID := range cancelRunIDs {
				if err := k.store.UpdateMemberStatus(ctx, conn, group.ID, runID, "cancelled"); err != nil {
					return err
				}
			}
			toCancel = cancelRunIDs
			result = JoinResult{Complete: true, Status: "timed_out", Mode: mode, Results: summarize(members, statusOf)}
			return nil
		}

		counts := countMembers(members, statusOf)
		complete, status, cancelRunIDsForMode := evaluateMode(mode, members, statusOf, quorum, hasQuorum, counts)
		if !complete {
			result = JoinResult{Complete: false, Status: "running", Mode: mode, Results: summarize(members, statusOf)}
			return nil
		}

		if err := k.store.UpdateGroupStatus(ctx, conn, group.ID, status, now); err != nil && err != storage.ErrNonMonotoneStatus {
			return err
		}
		for _, runID := range cancelRunIDsForMode {
			if err := k.store.UpdateMemberStatus(ctx, conn, group.ID, runID, "cancelled"); err != nil {
				return err
			}
		}
		toCancel = cancelRunIDsForMode
		result = JoinResult{Complete: true, Status: status, Mode: mode, Results: summarize(members, statusOf), CancellationPropagated: len(cancelRunIDsForMode)}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}

	propagated := 0
	for _, runID := range toCancel {
		cancelResult, err := k.CancelSubtree(ctx, tenantID, runID, true, "join:"+result.Status)
		if err != nil {
			return JoinResult{}, err
		}
		propagated += cancelResult.CancelledCount
	}
	if len(toCancel) > 0 {
		result.CancellationPropagated = propagated
	}
	return result, nil
}
