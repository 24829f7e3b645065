package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSpawnKeyConflict  = errors.New("spawn_key conflict")
	ErrGroupConflict     = errors.New("group idempotency conflict")
	ErrNonMonotoneStatus = errors.New("non-monotone status transition")
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// terminal run/group statuses. Once a run or group reaches one of these it
// cannot transition again (run terminal-is-sticky, group terminal-is-sticky).
var terminalRunStatuses = map[string]bool{"completed": true, "failed": true, "cancelled": true, "timed_out": true}
var terminalGroupStatuses = map[string]bool{"completed": true, "completed_with_errors": true, "failed": true, "cancelled": true, "timed_out": true}

type RunRecord struct {
	ID                        string
	TenantID                  string
	AgentID                   string
	InitiatorUserID           string
	WorkloadPrincipalID       string
	DelegationGrantID         string
	Status                    string
	RootRunID                 string
	ParentRunID               string
	ParentNodeID              string
	Depth                     int
	SpawnKey                  string
	OrchestrationGroupID      string
	CapabilityManifestVersion int
	Input                     json.RawMessage
	Output                    json.RawMessage
	CreatedAt                 time.Time
	CompletedAt               time.Time
}

type GroupRecord struct {
	ID                   string
	TenantID             string
	OrchestratorRunID    string
	ParentNodeID         string
	IdempotencyKeyPrefix string
	FailurePolicy        string
	JoinMode             string
	QuorumThreshold      int
	HasQuorumThreshold   bool
	TimeoutS             int
	Status               string
	PolicySnapshot       json.RawMessage
	StartedAt            time.Time
	CompletedAt          time.Time
}

type GroupMemberRecord struct {
	ID      int64
	GroupID string
	RunID   string
	Ordinal int
	Status  string
}

type PolicyRecord struct {
	ID                        string
	TenantID                  string
	OrchestratorAgentID       string
	IsActive                  bool
	EnforcePublishedOnly      bool
	DefaultFailurePolicy      string
	MaxDepth                  int
	MaxFanout                 int
	MaxChildrenTotal          int
	JoinTimeoutS              int
	AllowedScopeSubset        []string
	CapabilityManifestVersion int
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

type AllowlistEntry struct {
	ID                  string
	TenantID            string
	OrchestratorAgentID string
	TargetAgentID       string
	TargetAgentSlug     string
	CapabilityTag       string
	IsActive            bool
	CreatedAt           time.Time
}

type PrincipalRecord struct {
	ID            string
	TenantID      string
	Name          string
	Slug          string
	PrincipalType string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type PrincipalBindingRecord struct {
	ID           string
	TenantID     string
	PrincipalID  string
	ResourceType string
	ResourceID   string
	CreatedAt    time.Time
}

type ScopePolicyRecord struct {
	ID               string
	PrincipalID      string
	RequestedScopes  []string
	ApprovedScopes   []string
	Status           string
	ApprovedBy       string
	ApprovedAt       time.Time
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type GrantRecord struct {
	ID               string
	TenantID         string
	PrincipalID      string
	InitiatorUserID  string
	RunID            string
	RequestedScopes  []string
	EffectiveScopes  []string
	Status           string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

type JTIRecord struct {
	JTI               string
	GrantID           string
	ExpiresAt         time.Time
	RevokedAt         time.Time
	RevocationReason  string
	CreatedAt         time.Time
}

type ApprovalRecord struct {
	ID          string
	TenantID    string
	SubjectType string
	SubjectID   string
	ActionScope string
	Status      string
	DecidedBy   string
	Rationale   string
	CreatedAt   time.Time
	DecidedAt   time.Time
}

type AuditRecord struct {
	ID                  int64
	TenantID            string
	RunID               string
	Type                string
	InitiatorUserID     string
	WorkloadPrincipalID string
	DelegationGrantID   string
	TokenJTI            string
	Scopes              []string
	Payload             json.RawMessage
	CreatedAt           time.Time
}

type EventRecord struct {
	ID        int64
	RunID     string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL mode so readers don't block the writer holding a BEGIN IMMEDIATE lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db}
	return s, s.Migrate(context.Background())
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying pool for callers (principally tests) that need
// to manipulate rows directly outside the store's own API surface.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func esc(v string) string { return strings.ReplaceAll(v, "'", "''") }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
func parseTS(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}
func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
func unmarshalList(raw string) []string {
	var v []string
	_ = json.Unmarshal([]byte(raw), &v)
	return v
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		v := e.Name()
		var exists string
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", v).Scan(&exists)
		if err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", v); err != nil {
			return err
		}
	}
	return nil
}

// withImmediate runs fn against a single raw connection inside a BEGIN
// IMMEDIATE transaction. SQLite has no row-level locking; BEGIN IMMEDIATE
// takes the file-level write lock up front, which is the substitute this
// store uses for "row-lock the parent run" / "row-lock the group" semantics.
func (s *SQLiteStore) withImmediate(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}
	if err := fn(ctx, conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	return nil
}

// --- runs ---

const runColumns = "id,tenant_id,agent_id,initiator_user_id,workload_principal_id,delegation_grant_id,status,root_run_id,parent_run_id,parent_node_id,depth,spawn_key,orchestration_group_id,capability_manifest_version,input_json,output_json,created_at,completed_at"

// scanRunRow scans a *sql.Rows where created_at/completed_at come back as text.
func scanRunRow(rows *sql.Rows) (RunRecord, error) {
	var r RunRecord
	var initiator, principal, grant, parentRun, parentNode, spawnKey, groupID, completed sql.NullString
	var input, output, created string
	err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &initiator, &principal, &grant, &r.Status,
		&r.RootRunID, &parentRun, &parentNode, &r.Depth, &spawnKey, &groupID,
		&r.CapabilityManifestVersion, &input, &output, &created, &completed)
	if err != nil {
		return r, err
	}
	r.InitiatorUserID = strOf(initiator)
	r.WorkloadPrincipalID = strOf(principal)
	r.DelegationGrantID = strOf(grant)
	r.ParentRunID = strOf(parentRun)
	r.ParentNodeID = strOf(parentNode)
	r.SpawnKey = strOf(spawnKey)
	r.OrchestrationGroupID = strOf(groupID)
	r.Input = json.RawMessage(input)
	r.Output = json.RawMessage(output)
	r.CreatedAt = parseTS(created)
	r.CompletedAt = parseTS(strOf(completed))
	return r, nil
}

// InsertRun creates a run row. If rec.ParentRunID and rec.SpawnKey are both
// set and a row already exists for that pair, it returns ErrSpawnKeyConflict
// so the caller can look the existing run up (catch-and-lookup idempotency,
// not pre-check-then-insert).
func (s *SQLiteStore) InsertRun(ctx context.Context, rec RunRecord) error {
	if rec.Input == nil {
		rec.Input = json.RawMessage("{}")
	}
	if rec.Output == nil {
		rec.Output = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs("+runColumns+") VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		rec.ID, rec.TenantID, rec.AgentID, nullIfEmpty(rec.InitiatorUserID), nullIfEmpty(rec.WorkloadPrincipalID),
		nullIfEmpty(rec.DelegationGrantID), rec.Status, rec.RootRunID, nullIfEmpty(rec.ParentRunID),
		nullIfEmpty(rec.ParentNodeID), rec.Depth, nullIfEmpty(rec.SpawnKey), nullIfEmpty(rec.OrchestrationGroupID),
		rec.CapabilityManifestVersion, string(rec.Input), string(rec.Output), ts(rec.CreatedAt), nullIfEmpty(ts(rec.CompletedAt)))
	if isUniqueViolation(err) {
		return ErrSpawnKeyConflict
	}
	return err
}

func (s *SQLiteStore) GetRunBySpawnKey(ctx context.Context, parentRunID, spawnKey string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE parent_run_id=? AND spawn_key=?", parentRunID, spawnKey)
	rec, err := scanRunTimeRow(row)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// InsertRunTx is InsertRun scoped to an in-flight transaction's conn, so a
// row-locked spawn can insert the child without opening a second connection
// (which would block on its own BEGIN IMMEDIATE while this one is held).
func (s *SQLiteStore) InsertRunTx(ctx context.Context, conn *sql.Conn, rec RunRecord) error {
	if rec.Input == nil {
		rec.Input = json.RawMessage("{}")
	}
	if rec.Output == nil {
		rec.Output = json.RawMessage("{}")
	}
	_, err := conn.ExecContext(ctx,
		"INSERT INTO runs("+runColumns+") VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
		rec.ID, rec.TenantID, rec.AgentID, nullIfEmpty(rec.InitiatorUserID), nullIfEmpty(rec.WorkloadPrincipalID),
		nullIfEmpty(rec.DelegationGrantID), rec.Status, rec.RootRunID, nullIfEmpty(rec.ParentRunID),
		nullIfEmpty(rec.ParentNodeID), rec.Depth, nullIfEmpty(rec.SpawnKey), nullIfEmpty(rec.OrchestrationGroupID),
		rec.CapabilityManifestVersion, string(rec.Input), string(rec.Output), ts(rec.CreatedAt), nullIfEmpty(ts(rec.CompletedAt)))
	if isUniqueViolation(err) {
		return ErrSpawnKeyConflict
	}
	return err
}

// GetRunBySpawnKeyTx is GetRunBySpawnKey scoped to an in-flight
// transaction's conn, for the catch-and-lookup idempotency path inside a
// row-locked spawn.
func (s *SQLiteStore) GetRunBySpawnKeyTx(ctx context.Context, conn *sql.Conn, parentRunID, spawnKey string) (RunRecord, error) {
	row := conn.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE parent_run_id=? AND spawn_key=?", parentRunID, spawnKey)
	rec, err := scanRunTimeRow(row)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// scanRunTimeRow scans a *sql.Row where created_at/completed_at come back as text.
func scanRunTimeRow(row *sql.Row) (RunRecord, error) {
	var r RunRecord
	var initiator, principal, grant, parentRun, parentNode, spawnKey, groupID, completed sql.NullString
	var input, output, created string
	err := row.Scan(&r.ID, &r.TenantID, &r.AgentID, &initiator, &principal, &grant, &r.Status,
		&r.RootRunID, &parentRun, &parentNode, &r.Depth, &spawnKey, &groupID,
		&r.CapabilityManifestVersion, &input, &output, &created, &completed)
	if err != nil {
		return r, err
	}
	r.InitiatorUserID = strOf(initiator)
	r.WorkloadPrincipalID = strOf(principal)
	r.DelegationGrantID = strOf(grant)
	r.ParentRunID = strOf(parentRun)
	r.ParentNodeID = strOf(parentNode)
	r.SpawnKey = strOf(spawnKey)
	r.OrchestrationGroupID = strOf(groupID)
	r.Input = json.RawMessage(input)
	r.Output = json.RawMessage(output)
	r.CreatedAt = parseTS(created)
	r.CompletedAt = parseTS(strOf(completed))
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, tenantID, runID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id=? AND tenant_id=?", runID, tenantID)
	rec, err := scanRunTimeRow(row)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// GetRunForUpdate loads a run inside a BEGIN IMMEDIATE transaction, giving
// the caller exclusive write access to the run's subtree for the duration
// of fn (used by cancel_subtree and evaluate_and_replan). fn receives the
// locked conn so it can issue further reads/writes inside the same
// transaction instead of deadlocking against a second exclusive lock.
func (s *SQLiteStore) GetRunForUpdate(ctx context.Context, tenantID, runID string, fn func(ctx context.Context, conn *sql.Conn, rec RunRecord) error) error {
	return s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id=? AND tenant_id=?", runID, tenantID)
		rec, err := scanRunTimeRow(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fn(ctx, conn, rec)
	})
}

// ListChildrenTx is ListChildren scoped to an in-flight transaction's conn,
// so a BFS walk sees its own uncommitted writes.
func (s *SQLiteStore) ListChildrenTx(ctx context.Context, conn *sql.Conn, parentRunID string) ([]RunRecord, error) {
	rows, err := conn.QueryContext(ctx, "SELECT "+runColumns+" FROM runs WHERE parent_run_id=? ORDER BY created_at ASC", parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RunRecord
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// UpdateRunStatusTx is UpdateRunStatus scoped to an in-flight transaction's
// conn, enforcing the same terminal-status stickiness: a run already in a
// terminal status never transitions again.
func (s *SQLiteStore) UpdateRunStatusTx(ctx context.Context, conn *sql.Conn, runID, newStatus string, completedAt time.Time, outputPatch json.RawMessage) error {
	var current string
	err := conn.QueryRowContext(ctx, "SELECT status FROM runs WHERE id=?", runID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if terminalRunStatuses[current] {
		if current == newStatus {
			return nil
		}
		return ErrNonMonotoneStatus
	}
	if outputPatch != nil {
		_, err = conn.ExecContext(ctx, "UPDATE runs SET status=?, completed_at=?, output_json=? WHERE id=?",
			newStatus, nullIfEmpty(ts(completedAt)), string(outputPatch), runID)
	} else {
		_, err = conn.ExecContext(ctx, "UPDATE runs SET status=?, completed_at=? WHERE id=?", newStatus, nullIfEmpty(ts(completedAt)), runID)
	}
	return err
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentRunID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs WHERE parent_run_id=? ORDER BY created_at ASC", parentRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RunRecord
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) ListByRoot(ctx context.Context, rootRunID string) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs WHERE root_run_id=? ORDER BY created_at ASC", rootRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RunRecord
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// ListRunsByIDs batch-fetches runs for a fan-in join or a BFS cancel sweep.
// The caller generates ids from its own traversal, so an IN(...) built from
// escaped literals is used here instead of one bind parameter per id.
func (s *SQLiteStore) ListRunsByIDs(ctx context.Context, ids []string) ([]RunRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = "'" + esc(id) + "'"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM runs WHERE id IN (%s)", runColumns, strings.Join(quoted, ",")))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RunRecord
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) CountDescendantsByStatus(ctx context.Context, rootRunID string, excludeRunID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status,COUNT(*) FROM runs WHERE root_run_id=? AND id<>? GROUP BY status", rootRunID, excludeRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// CountDescendantsByStatusTx is CountDescendantsByStatus scoped to an
// in-flight transaction's conn, so a spawn limit check sees its own
// uncommitted inserts earlier in the same locked transaction.
func (s *SQLiteStore) CountDescendantsByStatusTx(ctx context.Context, conn *sql.Conn, rootRunID string, excludeRunID string) (map[string]int, error) {
	rows, err := conn.QueryContext(ctx, "SELECT status,COUNT(*) FROM runs WHERE root_run_id=? AND id<>? GROUP BY status", rootRunID, excludeRunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// UpdateRunStatus rejects non-monotone transitions: once a run is terminal
// (completed/failed/cancelled/timed_out) its status never changes again.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID, newStatus string, completedAt time.Time) error {
	return s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		var current string
		err := conn.QueryRowContext(ctx, "SELECT status FROM runs WHERE id=?", runID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if terminalRunStatuses[current] {
			if current == newStatus {
				return nil
			}
			return ErrNonMonotoneStatus
		}
		_, err = conn.ExecContext(ctx, "UPDATE runs SET status=?, completed_at=? WHERE id=?", newStatus, nullIfEmpty(ts(completedAt)), runID)
		return err
	})
}

// --- orchestration groups ---

const groupColumns = "id,tenant_id,orchestrator_run_id,parent_node_id,idempotency_key_prefix,failure_policy,join_mode,quorum_threshold,timeout_s,status,policy_snapshot_json,started_at,completed_at"

func (s *SQLiteStore) InsertGroup(ctx context.Context, rec GroupRecord) error {
	if rec.PolicySnapshot == nil {
		rec.PolicySnapshot = json.RawMessage("{}")
	}
	var quorum any
	if rec.HasQuorumThreshold {
		quorum = rec.QuorumThreshold
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO orchestration_groups("+groupColumns+") VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)",
		rec.ID, rec.TenantID, rec.OrchestratorRunID, nullIfEmpty(rec.ParentNodeID), nullIfEmpty(rec.IdempotencyKeyPrefix),
		rec.FailurePolicy, rec.JoinMode, quorum, rec.TimeoutS, rec.Status, string(rec.PolicySnapshot),
		ts(rec.StartedAt), nullIfEmpty(ts(rec.CompletedAt)))
	if isUniqueViolation(err) {
		return ErrGroupConflict
	}
	return err
}

// GetGroupByIdempotencyKey looks up the group that would conflict on the
// (orchestrator_run_id, parent_node_id, idempotency_key_prefix) unique
// constraint, for the catch-and-lookup retry path.
func (s *SQLiteStore) GetGroupByIdempotencyKey(ctx context.Context, tenantID, orchestratorRunID, parentNodeID, idempotencyKeyPrefix string) (GroupRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+` FROM orchestration_groups
		WHERE tenant_id=? AND orchestrator_run_id=? AND parent_node_id IS ? AND idempotency_key_prefix IS ?`,
		tenantID, orchestratorRunID, nullIfEmpty(parentNodeID), nullIfEmpty(idempotencyKeyPrefix))
	g, err := scanGroupRow(row)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func scanGroupRow(row interface{ Scan(...any) error }) (GroupRecord, error) {
	var g GroupRecord
	var parentNode, keyPrefix, completed sql.NullString
	var quorum sql.NullInt64
	var snapshot, started string
	err := row.Scan(&g.ID, &g.TenantID, &g.OrchestratorRunID, &parentNode, &keyPrefix, &g.FailurePolicy,
		&g.JoinMode, &quorum, &g.TimeoutS, &g.Status, &snapshot, &started, &completed)
	if err != nil {
		return g, err
	}
	g.ParentNodeID = strOf(parentNode)
	g.IdempotencyKeyPrefix = strOf(keyPrefix)
	if quorum.Valid {
		g.HasQuorumThreshold = true
		g.QuorumThreshold = int(quorum.Int64)
	}
	g.PolicySnapshot = json.RawMessage(snapshot)
	g.StartedAt = parseTS(started)
	g.CompletedAt = parseTS(strOf(completed))
	return g, nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, tenantID, groupID string) (GroupRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM orchestration_groups WHERE id=? AND tenant_id=?", groupID, tenantID)
	g, err := scanGroupRow(row)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

// GetGroupForUpdate mirrors GetRunForUpdate: BEGIN IMMEDIATE substitutes for
// row-locking the group while a join decision is computed.
func (s *SQLiteStore) GetGroupForUpdate(ctx context.Context, tenantID, groupID string, fn func(ctx context.Context, conn *sql.Conn, g GroupRecord) error) error {
	return s.withImmediate(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM orchestration_groups WHERE id=? AND tenant_id=?", groupID, tenantID)
		g, err := scanGroupRow(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fn(ctx, conn, g)
	})
}

func (s *SQLiteStore) UpdateGroupStatus(ctx context.Context, conn *sql.Conn, groupID, newStatus string, completedAt time.Time) error {
	exec := func(ctx context.Context, query string, args ...any) (sql.Result, error) {
		if conn != nil {
			return conn.ExecContext(ctx, query, args...)
		}
		return s.db.ExecContext(ctx, query, args...)
	}
	queryRow := func(ctx context.Context, query string, args ...any) *sql.Row {
		if conn != nil {
			return conn.QueryRowContext(ctx, query, args...)
		}
		return s.db.QueryRowContext(ctx, query, args...)
	}
	var current string
	err := queryRow(ctx, "SELECT status FROM orchestration_groups WHERE id=?", groupID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if terminalGroupStatuses[current] {
		if current == newStatus {
			return nil
		}
		return ErrNonMonotoneStatus
	}
	_, err = exec(ctx, "UPDATE orchestration_groups SET status=?, completed_at=? WHERE id=?", newStatus, nullIfEmpty(ts(completedAt)), groupID)
	return err
}

func (s *SQLiteStore) InsertMembers(ctx context.Context, conn *sql.Conn, members []GroupMemberRecord) error {
	exec := func(ctx context.Context, query string, args ...any) (sql.Result, error) {
		if conn != nil {
			return conn.ExecContext(ctx, query, args...)
		}
		return s.db.ExecContext(ctx, query, args...)
	}
	for _, m := range members {
		if _, err := exec(ctx, "INSERT INTO group_members(group_id,run_id,ordinal,status) VALUES(?,?,?,?)", m.GroupID, m.RunID, m.Ordinal, m.Status); err != nil {
			if isUniqueViolation(err) {
				return ErrGroupConflict
			}
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ListMembers(ctx context.Context, groupID string) ([]GroupMemberRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id,group_id,run_id,ordinal,status FROM group_members WHERE group_id=? ORDER BY ordinal ASC", groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []GroupMemberRecord
	for rows.Next() {
		var m GroupMemberRecord
		if err := rows.Scan(&m.ID, &m.GroupID, &m.RunID, &m.Ordinal, &m.Status); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListMembersTx is ListMembers scoped to an in-flight transaction's conn.
func (s *SQLiteStore) ListMembersTx(ctx context.Context, conn *sql.Conn, groupID string) ([]GroupMemberRecord, error) {
	rows, err := conn.QueryContext(ctx, "SELECT id,group_id,run_id,ordinal,status FROM group_members WHERE group_id=? ORDER BY ordinal ASC", groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []GroupMemberRecord
	for rows.Next() {
		var m GroupMemberRecord
		if err := rows.Scan(&m.ID, &m.GroupID, &m.RunID, &m.Ordinal, &m.Status); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) UpdateMemberStatus(ctx context.Context, conn *sql.Conn, groupID, runID, status string) error {
	if conn != nil {
		_, err := conn.ExecContext(ctx, "UPDATE group_members SET status=? WHERE group_id=? AND run_id=?", status, groupID, runID)
		return err
	}
	_, err := s.db.ExecContext(ctx, "UPDATE group_members SET status=? WHERE group_id=? AND run_id=?", status, groupID, runID)
	return err
}

// --- orchestrator policy & allowlists ---

func (s *SQLiteStore) UpsertPolicy(ctx context.Context, rec PolicyRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO orchestrator_policies(
		id,tenant_id,orchestrator_agent_id,is_active,enforce_published_only,default_failure_policy,
		max_depth,max_fanout,max_children_total,join_timeout_s,allowed_scope_subset_json,
		capability_manifest_version,created_at,updated_at
	) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(tenant_id,orchestrator_agent_id) DO UPDATE SET
		is_active=excluded.is_active, enforce_published_only=excluded.enforce_published_only,
		default_failure_policy=excluded.default_failure_policy, max_depth=excluded.max_depth,
		max_fanout=excluded.max_fanout, max_children_total=excluded.max_children_total,
		join_timeout_s=excluded.join_timeout_s, allowed_scope_subset_json=excluded.allowed_scope_subset_json,
		capability_manifest_version=excluded.capability_manifest_version, updated_at=excluded.updated_at`,
		rec.ID, rec.TenantID, rec.OrchestratorAgentID, rec.IsActive, rec.EnforcePublishedOnly, rec.DefaultFailurePolicy,
		rec.MaxDepth, rec.MaxFanout, rec.MaxChildrenTotal, rec.JoinTimeoutS, marshalList(rec.AllowedScopeSubset),
		rec.CapabilityManifestVersion, ts(rec.CreatedAt), ts(rec.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetPolicy(ctx context.Context, tenantID, orchestratorAgentID string) (PolicyRecord, error) {
	var p PolicyRecord
	var scopeJSON, created, updated string
	err := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,orchestrator_agent_id,is_active,enforce_published_only,
		default_failure_policy,max_depth,max_fanout,max_children_total,join_timeout_s,allowed_scope_subset_json,
		capability_manifest_version,created_at,updated_at FROM orchestrator_policies WHERE tenant_id=? AND orchestrator_agent_id=?`,
		tenantID, orchestratorAgentID).Scan(&p.ID, &p.TenantID, &p.OrchestratorAgentID, &p.IsActive, &p.EnforcePublishedOnly,
		&p.DefaultFailurePolicy, &p.MaxDepth, &p.MaxFanout, &p.MaxChildrenTotal, &p.JoinTimeoutS, &scopeJSON,
		&p.CapabilityManifestVersion, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.AllowedScopeSubset = unmarshalList(scopeJSON)
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return p, nil
}

func (s *SQLiteStore) InsertAllowlistEntry(ctx context.Context, rec AllowlistEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO orchestrator_target_allowlists(id,tenant_id,orchestrator_agent_id,
		target_agent_id,target_agent_slug,capability_tag,is_active,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TenantID, rec.OrchestratorAgentID, nullIfEmpty(rec.TargetAgentID), nullIfEmpty(rec.TargetAgentSlug),
		nullIfEmpty(rec.CapabilityTag), rec.IsActive, ts(rec.CreatedAt))
	return err
}

func (s *SQLiteStore) ListAllowlist(ctx context.Context, tenantID, orchestratorAgentID string) ([]AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,tenant_id,orchestrator_agent_id,target_agent_id,target_agent_slug,
		capability_tag,is_active,created_at FROM orchestrator_target_allowlists
		WHERE tenant_id=? AND orchestrator_agent_id=? AND is_active=1`, tenantID, orchestratorAgentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AllowlistEntry
	for rows.Next() {
		var a AllowlistEntry
		var targetID, targetSlug, capTag sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.OrchestratorAgentID, &targetID, &targetSlug, &capTag, &a.IsActive, &created); err != nil {
			return nil, err
		}
		a.TargetAgentID = strOf(targetID)
		a.TargetAgentSlug = strOf(targetSlug)
		a.CapabilityTag = strOf(capTag)
		a.CreatedAt = parseTS(created)
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- workload identity & delegation ---

func (s *SQLiteStore) UpsertPrincipal(ctx context.Context, rec PrincipalRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workload_principals(id,tenant_id,name,slug,principal_type,is_active,created_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(tenant_id,slug) DO UPDATE SET name=excluded.name, principal_type=excluded.principal_type,
		is_active=excluded.is_active, updated_at=excluded.updated_at`,
		rec.ID, rec.TenantID, rec.Name, rec.Slug, rec.PrincipalType, rec.IsActive, ts(rec.CreatedAt), ts(rec.UpdatedAt))
	return err
}

func (s *SQLiteStore) GetPrincipalBySlug(ctx context.Context, tenantID, slug string) (PrincipalRecord, error) {
	var p PrincipalRecord
	var created, updated string
	err := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,name,slug,principal_type,is_active,created_at,updated_at
		FROM workload_principals WHERE tenant_id=? AND slug=?`, tenantID, slug).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Slug, &p.PrincipalType, &p.IsActive, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return p, nil
}

func (s *SQLiteStore) GetPrincipalByID(ctx context.Context, tenantID, id string) (PrincipalRecord, error) {
	var p PrincipalRecord
	var created, updated string
	err := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,name,slug,principal_type,is_active,created_at,updated_at
		FROM workload_principals WHERE tenant_id=? AND id=?`, tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Slug, &p.PrincipalType, &p.IsActive, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return p, nil
}

func (s *SQLiteStore) UpsertPrincipalBinding(ctx context.Context, rec PrincipalBindingRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workload_principal_bindings(id,tenant_id,principal_id,resource_type,resource_id,created_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(tenant_id,resource_type,resource_id) DO UPDATE SET principal_id=excluded.principal_id`,
		rec.ID, rec.TenantID, rec.PrincipalID, rec.ResourceType, rec.ResourceID, ts(rec.CreatedAt))
	return err
}

func (s *SQLiteStore) GetPrincipalBinding(ctx context.Context, tenantID, resourceType, resourceID string) (PrincipalBindingRecord, error) {
	var b PrincipalBindingRecord
	var created string
	err := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,principal_id,resource_type,resource_id,created_at
		FROM workload_principal_bindings WHERE tenant_id=? AND resource_type=? AND resource_id=?`,
		tenantID, resourceType, resourceID).Scan(&b.ID, &b.TenantID, &b.PrincipalID, &b.ResourceType, &b.ResourceID, &created)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.CreatedAt = parseTS(created)
	return b, nil
}

func (s *SQLiteStore) InsertScopePolicy(ctx context.Context, rec ScopePolicyRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workload_scope_policies(id,principal_id,requested_scopes_json,
		approved_scopes_json,status,approved_by,approved_at,version,created_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.PrincipalID, marshalList(rec.RequestedScopes), marshalList(rec.ApprovedScopes), rec.Status,
		nullIfEmpty(rec.ApprovedBy), nullIfEmpty(ts(rec.ApprovedAt)), rec.Version, ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrGroupConflict
	}
	return err
}

// ApproveScopePolicy records an approval decision and grants the requested
// scopes as approved scopes (possibly narrowed by the caller beforehand).
func (s *SQLiteStore) ApproveScopePolicy(ctx context.Context, id, approvedBy string, approvedScopes []string, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workload_scope_policies SET status='approved', approved_by=?,
		approved_at=?, approved_scopes_json=?, updated_at=?, version=version+1 WHERE id=? AND status='pending'`,
		approvedBy, ts(decidedAt), marshalList(approvedScopes), ts(decidedAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLatestScopePolicy returns the highest-version scope policy row for a
// principal regardless of status, so a caller can find the pending row to
// approve. Use GetLatestApprovedScopePolicy when only an approved row is
// acceptable (e.g. deriving effective scopes for a grant).
func (s *SQLiteStore) GetLatestScopePolicy(ctx context.Context, principalID string) (ScopePolicyRecord, error) {
	var p ScopePolicyRecord
	var reqJSON, approvedJSON, created, updated string
	var approvedBy, approvedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id,principal_id,requested_scopes_json,approved_scopes_json,status,
		approved_by,approved_at,version,created_at,updated_at FROM workload_scope_policies
		WHERE principal_id=? ORDER BY version DESC LIMIT 1`, principalID).
		Scan(&p.ID, &p.PrincipalID, &reqJSON, &approvedJSON, &p.Status, &approvedBy, &approvedAt, &p.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.RequestedScopes = unmarshalList(reqJSON)
	p.ApprovedScopes = unmarshalList(approvedJSON)
	p.ApprovedBy = strOf(approvedBy)
	p.ApprovedAt = parseTS(strOf(approvedAt))
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return p, nil
}

func (s *SQLiteStore) GetLatestApprovedScopePolicy(ctx context.Context, principalID string) (ScopePolicyRecord, error) {
	var p ScopePolicyRecord
	var reqJSON, approvedJSON, created, updated string
	var approvedBy, approvedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id,principal_id,requested_scopes_json,approved_scopes_json,status,
		approved_by,approved_at,version,created_at,updated_at FROM workload_scope_policies
		WHERE principal_id=? AND status='approved' ORDER BY version DESC LIMIT 1`, principalID).
		Scan(&p.ID, &p.PrincipalID, &reqJSON, &approvedJSON, &p.Status, &approvedBy, &approvedAt, &p.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.RequestedScopes = unmarshalList(reqJSON)
	p.ApprovedScopes = unmarshalList(approvedJSON)
	p.ApprovedBy = strOf(approvedBy)
	p.ApprovedAt = parseTS(strOf(approvedAt))
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return p, nil
}

func (s *SQLiteStore) InsertGrant(ctx context.Context, rec GrantRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO delegation_grants(id,tenant_id,principal_id,initiator_user_id,
		run_id,requested_scopes_json,effective_scopes_json,status,expires_at,created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TenantID, rec.PrincipalID, nullIfEmpty(rec.InitiatorUserID), nullIfEmpty(rec.RunID),
		marshalList(rec.RequestedScopes), marshalList(rec.EffectiveScopes), rec.Status, ts(rec.ExpiresAt), ts(rec.CreatedAt))
	return err
}

func (s *SQLiteStore) GetGrant(ctx context.Context, tenantID, grantID string) (GrantRecord, error) {
	var g GrantRecord
	var initiator, runID sql.NullString
	var reqJSON, effJSON, expires, created string
	err := s.db.QueryRowContext(ctx, `SELECT id,tenant_id,principal_id,initiator_user_id,run_id,requested_scopes_json,
		effective_scopes_json,status,expires_at,created_at FROM delegation_grants WHERE id=? AND tenant_id=?`,
		grantID, tenantID).Scan(&g.ID, &g.TenantID, &g.PrincipalID, &initiator, &runID, &reqJSON, &effJSON, &g.Status, &expires, &created)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.InitiatorUserID = strOf(initiator)
	g.RunID = strOf(runID)
	g.RequestedScopes = unmarshalList(reqJSON)
	g.EffectiveScopes = unmarshalList(effJSON)
	g.ExpiresAt = parseTS(expires)
	g.CreatedAt = parseTS(created)
	return g, nil
}

func (s *SQLiteStore) RevokeGrant(ctx context.Context, grantID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE delegation_grants SET status='revoked' WHERE id=?", grantID)
	return err
}

func (s *SQLiteStore) InsertJTI(ctx context.Context, rec JTIRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO token_jti_registry(jti,grant_id,expires_at,created_at) VALUES(?,?,?,?)",
		rec.JTI, rec.GrantID, ts(rec.ExpiresAt), ts(rec.CreatedAt))
	if isUniqueViolation(err) {
		return ErrGroupConflict
	}
	return err
}

func (s *SQLiteStore) RevokeJTI(ctx context.Context, jti, reason string, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE token_jti_registry SET revoked_at=?, revocation_reason=? WHERE jti=?",
		ts(revokedAt), reason, jti)
	return err
}

// SweepExpiredJTIs deletes registry rows past their expiry, called
// periodically by the cron-based sweeper.
func (s *SQLiteStore) SweepExpiredJTIs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM token_jti_registry WHERE expires_at < ?", ts(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- approvals ---

func (s *SQLiteStore) InsertApproval(ctx context.Context, rec ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO approval_decisions(id,tenant_id,subject_type,subject_id,
		action_scope,status,created_at) VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.TenantID, rec.SubjectType, rec.SubjectID, rec.ActionScope, rec.Status, ts(rec.CreatedAt))
	return err
}

func (s *SQLiteStore) DecideApproval(ctx context.Context, id, status, decidedBy, rationale string, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_decisions SET status=?, decided_by=?, rationale=?, decided_at=?
		WHERE id=? AND status='pending'`, status, decidedBy, rationale, ts(decidedAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- audit & run events ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, a AuditRecord) error {
	if a.Payload == nil {
		a.Payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_log(tenant_id,run_id,type,initiator_user_id,
		workload_principal_id,delegation_grant_id,token_jti,scopes_json,payload_json,created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.TenantID, nullIfEmpty(a.RunID), a.Type, nullIfEmpty(a.InitiatorUserID), nullIfEmpty(a.WorkloadPrincipalID),
		nullIfEmpty(a.DelegationGrantID), nullIfEmpty(a.TokenJTI), nullIfEmpty(marshalList(a.Scopes)), string(a.Payload), ts(a.CreatedAt))
	return err
}

func (s *SQLiteStore) ListAudit(ctx context.Context, tenantID, runID string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,tenant_id,run_id,type,initiator_user_id,workload_principal_id,
		delegation_grant_id,token_jti,scopes_json,payload_json,created_at FROM audit_log
		WHERE tenant_id=? AND run_id=? ORDER BY id ASC`, tenantID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var runIDNull, initiator, principal, grant, jti, scopesJSON sql.NullString
		var payload, created string
		if err := rows.Scan(&r.ID, &r.TenantID, &runIDNull, &r.Type, &initiator, &principal, &grant, &jti, &scopesJSON, &payload, &created); err != nil {
			return nil, err
		}
		r.RunID = strOf(runIDNull)
		r.InitiatorUserID = strOf(initiator)
		r.WorkloadPrincipalID = strOf(principal)
		r.DelegationGrantID = strOf(grant)
		r.TokenJTI = strOf(jti)
		if scopesJSON.Valid {
			r.Scopes = unmarshalList(scopesJSON.String)
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = parseTS(created)
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e EventRecord) (int64, error) {
	if e.Payload == nil {
		e.Payload = json.RawMessage("{}")
	}
	res, err := s.db.ExecContext(ctx, "INSERT INTO run_events(run_id,type,payload_json,created_at) VALUES(?,?,?,?)",
		e.RunID, e.Type, string(e.Payload), ts(e.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, after int64) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id,run_id,type,payload_json,created_at FROM run_events WHERE run_id=? AND id>? ORDER BY id ASC", runID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EventRecord
	for rows.Next() {
		var r EventRecord
		var payload, created string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Type, &payload, &created); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt = parseTS(created)
		res = append(res, r)
	}
	return res, rows.Err()
}
