package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/remedyd/remedy/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.RemediationRun) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.HealthBefore == "" {
		run.HealthBefore = models.HealthUnknown
	}
	if run.HealthAfter == "" {
		run.HealthAfter = models.HealthUnknown
	}

	fixIDs, err := json.Marshal(run.FixIDs)
	if err != nil {
		fixIDs = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, verdict_id, fix_ids, status, health_before, health_after, reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.VerdictID, string(fixIDs), string(run.Status),
		string(run.HealthBefore), string(run.HealthAfter), run.Reason,
		run.StartedAt, run.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.RemediationRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, verdict_id, fix_ids, status, health_before, health_after, reason, started_at, ended_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*models.RemediationRun, error) {
	query := `SELECT id, verdict_id, fix_ids, status, health_before, health_after, reason, started_at, ended_at
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.RemediationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.RemediationRun) error {
	fixIDs, err := json.Marshal(run.FixIDs)
	if err != nil {
		fixIDs = []byte("[]")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET fix_ids=?, status=?, health_before=?, health_after=?, reason=?, ended_at=? WHERE id=?`,
		string(fixIDs), string(run.Status), string(run.HealthBefore), string(run.HealthAfter),
		run.Reason, run.EndedAt, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RemediationRun, error) {
	run := &models.RemediationRun{}
	var fixIDs, status, before, after string
	var endedAt sql.NullTime

	err := row.Scan(&run.ID, &run.VerdictID, &fixIDs, &status, &before, &after,
		&run.Reason, &run.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(fixIDs), &run.FixIDs)
	run.Status = models.RunStatus(status)
	run.HealthBefore = models.HealthState(before)
	run.HealthAfter = models.HealthState(after)
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return run, nil
}

// --- Fixes ---

func (s *SQLiteStore) CreateFix(ctx context.Context, fix *models.RemediationFix) error {
	if fix.ID == "" {
		fix.ID = newULID()
	}
	now := time.Now().UTC()
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = now
	}
	fix.UpdatedAt = now

	files, err := json.Marshal(fix.Patch.Files)
	if err != nil {
		files = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fixes (id, run_id, issue_id, root_cause_id, strategy, status, diff, files, lines_added, lines_removed, bytes, approval, reason, error, created_at, updated_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fix.ID, fix.RunID, fix.IssueID, fix.RootCauseID,
		string(fix.Strategy), string(fix.Status),
		fix.Patch.Diff, string(files), fix.Patch.LinesAdded, fix.Patch.LinesRemoved, fix.Patch.Bytes,
		string(fix.Approval), fix.Reason, fix.Error,
		fix.CreatedAt, fix.UpdatedAt, fix.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("create fix: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFix(ctx context.Context, id string) (*models.RemediationFix, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, issue_id, root_cause_id, strategy, status, diff, files, lines_added, lines_removed, bytes, approval, reason, error, created_at, updated_at, applied_at
		FROM fixes WHERE id = ?`, id)
	fix, err := scanFix(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fix not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get fix: %w", err)
	}
	return fix, nil
}

func (s *SQLiteStore) ListFixes(ctx context.Context, runID string) ([]*models.RemediationFix, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, issue_id, root_cause_id, strategy, status, diff, files, lines_added, lines_removed, bytes, approval, reason, error, created_at, updated_at, applied_at
		FROM fixes WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list fixes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var fixes []*models.RemediationFix
	for rows.Next() {
		fix, err := scanFix(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		fixes = append(fixes, fix)
	}
	return fixes, rows.Err()
}

func (s *SQLiteStore) UpdateFix(ctx context.Context, fix *models.RemediationFix) error {
	fix.UpdatedAt = time.Now().UTC()
	files, err := json.Marshal(fix.Patch.Files)
	if err != nil {
		files = []byte("[]")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE fixes SET strategy=?, status=?, diff=?, files=?, lines_added=?, lines_removed=?, bytes=?, approval=?, reason=?, error=?, updated_at=?, applied_at=? WHERE id=?`,
		string(fix.Strategy), string(fix.Status),
		fix.Patch.Diff, string(files), fix.Patch.LinesAdded, fix.Patch.LinesRemoved, fix.Patch.Bytes,
		string(fix.Approval), fix.Reason, fix.Error,
		fix.UpdatedAt, fix.AppliedAt, fix.ID,
	)
	if err != nil {
		return fmt.Errorf("update fix: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("fix not found: %s", fix.ID)
	}
	return nil
}

func scanFix(row scanner) (*models.RemediationFix, error) {
	fix := &models.RemediationFix{}
	var strategy, status, files, approval string
	var appliedAt sql.NullTime

	err := row.Scan(&fix.ID, &fix.RunID, &fix.IssueID, &fix.RootCauseID,
		&strategy, &status,
		&fix.Patch.Diff, &files, &fix.Patch.LinesAdded, &fix.Patch.LinesRemoved, &fix.Patch.Bytes,
		&approval, &fix.Reason, &fix.Error,
		&fix.CreatedAt, &fix.UpdatedAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(files), &fix.Patch.Files)
	fix.Strategy = models.FixStrategy(strategy)
	fix.Status = models.FixStatus(status)
	fix.Approval = models.ApprovalLevel(approval)
	if appliedAt.Valid {
		fix.AppliedAt = &appliedAt.Time
	}
	return fix, nil
}

// --- Audit log ---

// AppendAudit inserts one entry. The audit log is append-only; no update
// or delete statement exists for it anywhere in this package.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = newULID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, run_id, fix_id, action, actor, reason, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.FixID, string(entry.Action),
		entry.Actor, entry.Reason, entry.Detail, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error) {
	query := `SELECT id, run_id, fix_id, action, actor, reason, detail, timestamp FROM audit_log WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.FixID != "" {
		query += " AND fix_id = ?"
		args = append(args, filter.FixID)
	}
	// rowid preserves exact insertion order even within one millisecond.
	query += " ORDER BY rowid"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		e := &models.AuditLogEntry{}
		var action string
		if err := rows.Scan(&e.ID, &e.RunID, &e.FixID, &action, &e.Actor, &e.Reason, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Approvals ---

func (s *SQLiteStore) RecordApproval(ctx context.Context, decision *ApprovalDecision) error {
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}
	approved := 0
	if decision.Approved {
		approved = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (fix_id, approved, actor, decided_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(fix_id) DO UPDATE SET approved=excluded.approved, actor=excluded.actor, decided_at=excluded.decided_at`,
		decision.FixID, approved, decision.Actor, decision.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApproval(ctx context.Context, fixID string) (*ApprovalDecision, error) {
	d := &ApprovalDecision{}
	var approved int
	err := s.db.QueryRowContext(ctx,
		`SELECT fix_id, approved, actor, decided_at FROM approvals WHERE fix_id = ?`, fixID,
	).Scan(&d.FixID, &approved, &d.Actor, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	d.Approved = approved == 1
	return d, nil
}

// --- Pattern history ---

func (s *SQLiteStore) RecordPatternOutcome(ctx context.Context, key string, success bool) error {
	successes := 0
	if success {
		successes = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pattern_history (key, attempts, successes, updated_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET attempts=attempts+1, successes=successes+excluded.successes, updated_at=excluded.updated_at`,
		key, successes, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record pattern outcome: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPatternOutcome(ctx context.Context, key string) (*PatternOutcome, error) {
	p := &PatternOutcome{}
	err := s.db.QueryRowContext(ctx,
		`SELECT key, attempts, successes, updated_at FROM pattern_history WHERE key = ?`, key,
	).Scan(&p.Key, &p.Attempts, &p.Successes, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return &PatternOutcome{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern outcome: %w", err)
	}
	return p, nil
}

// --- Kill switch ---

func (s *SQLiteStore) SetKillSwitch(ctx context.Context, on bool) error {
	value := "off"
	if on {
		value = "on"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('kill_switch', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, value)
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) KillSwitch(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'kill_switch'`).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get kill switch: %w", err)
	}
	return value == "on", nil
}
