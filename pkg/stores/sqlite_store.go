package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/failsafe/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) dsn() string {
	if s.cfg.Path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", s.cfg.Path)
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SavePlan creates or replaces a plan definition.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.RecoveryPlan) error {
	now := s.now()
	stored := *plan
	stored.UpdatedAt = now

	definition, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, name, priority, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			definition = excluded.definition,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		plan.ID,
		plan.Name,
		string(plan.Priority),
		string(definition),
		now,
		now,
	); err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	plan.UpdatedAt = now
	return nil
}

// LoadPlan retrieves a plan by ID
func (s *SQLiteStore) LoadPlan(ctx context.Context, id string) (*engine.RecoveryPlan, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM plans WHERE id = ?`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	plan := &engine.RecoveryPlan{}
	if err := json.Unmarshal([]byte(definition), plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", id, err)
	}
	return plan, nil
}

// ListPlans returns all stored plans ordered by ID.
func (s *SQLiteStore) ListPlans(ctx context.Context) ([]engine.RecoveryPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []engine.RecoveryPlan{}
	for rows.Next() {
		var id, definition string
		if err := rows.Scan(&id, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		var plan engine.RecoveryPlan
		if err := json.Unmarshal([]byte(definition), &plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan %s: %w", id, err)
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

// SaveReport persists a recovery report. Reports are written once; a second
// report for the same run is rejected with engine.ErrReportExists.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.RecoveryReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	query := `
		INSERT INTO reports (run_id, plan_id, overall_status, dry_run, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		report.RunID,
		report.PlanID,
		string(report.OverallStatus),
		report.DryRun,
		string(body),
		createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrReportExists, report.RunID)
	}
	return nil
}

// LoadReport retrieves the report of a run.
func (s *SQLiteStore) LoadReport(ctx context.Context, runID string) (*engine.RecoveryReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrReportNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	report := &engine.RecoveryReport{}
	if err := json.Unmarshal([]byte(body), report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return report, nil
}

// ListReports lists reports newest first, optionally filtered by plan.
func (s *SQLiteStore) ListReports(ctx context.Context, planID string, limit int) ([]engine.RecoveryReport, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT run_id, report
		FROM reports
		WHERE (? = '' OR plan_id = ?)
		ORDER BY created_at DESC, run_id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, planID, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []engine.RecoveryReport{}
	for rows.Next() {
		var runID, body string
		if err := rows.Scan(&runID, &body); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var report engine.RecoveryReport
		if err := json.Unmarshal([]byte(body), &report); err != nil {
			return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
		}
		reports = append(reports, report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

// SaveExecutionContext checkpoints a run.
func (s *SQLiteStore) SaveExecutionContext(ctx context.Context, ec *engine.ExecutionContext) error {
	body, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	query := `
		INSERT INTO runs (id, plan_id, phase, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			context = excluded.context,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		ec.RunID,
		ec.PlanID,
		string(ec.Phase),
		string(body),
		ec.CreatedAt.UTC(),
		s.now(),
	); err != nil {
		return fmt.Errorf("failed to save execution context: %w", err)
	}
	return nil
}

// LoadExecutionContext retrieves a run checkpoint.
func (s *SQLiteStore) LoadExecutionContext(ctx context.Context, runID string) (*engine.ExecutionContext, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT context FROM runs WHERE id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution context: %w", err)
	}

	ec := &engine.ExecutionContext{}
	if err := json.Unmarshal([]byte(body), ec); err != nil {
		return nil, fmt.Errorf("failed to decode execution context %s: %w", runID, err)
	}
	return ec, nil
}

// ActiveRunID returns the plan's most recent run that has not emitted its report.
func (s *SQLiteStore) ActiveRunID(ctx context.Context, planID string) (string, error) {
	query := `
		SELECT id FROM runs
		WHERE plan_id = ? AND phase != ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var id string
	err := s.db.QueryRowContext(ctx, query, planID, string(engine.PhaseReportEmitted)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query active run: %w", err)
	}
	return id, nil
}

// ListRuns returns checkpoints of recent runs, newest first, optionally filtered by plan.
func (s *SQLiteStore) ListRuns(ctx context.Context, planID string, limit int) ([]*engine.ExecutionContext, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, context FROM runs
		WHERE (? = '' OR plan_id = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, planID, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.ExecutionContext{}
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		ec := &engine.ExecutionContext{}
		if err := json.Unmarshal([]byte(body), ec); err != nil {
			return nil, fmt.Errorf("failed to decode execution context %s: %w", id, err)
		}
		runs = append(runs, ec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// CreateApproval registers a pending approval. When the run already has a
// request, the existing one is returned unchanged.
func (s *SQLiteStore) CreateApproval(ctx context.Context, req *ApprovalRequest) (*ApprovalRequest, error) {
	if req.Token == "" {
		req.Token = uuid.New().String()
	}
	if req.State == "" {
		req.State = engine.ApprovalPending
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now()
	}

	query := `
		INSERT INTO approvals (token, run_id, state, approver, reason, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query,
		req.Token,
		req.RunID,
		string(req.State),
		nullString(req.Approver),
		nullString(req.Reason),
		req.RequestedAt.UTC(),
	); err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}

	return s.GetApprovalByRun(ctx, req.RunID)
}

// GetApproval retrieves an approval by token.
func (s *SQLiteStore) GetApproval(ctx context.Context, token string) (*ApprovalRequest, error) {
	return s.getApproval(ctx, `token = ?`, token)
}

// GetApprovalByRun retrieves the approval of a run.
func (s *SQLiteStore) GetApprovalByRun(ctx context.Context, runID string) (*ApprovalRequest, error) {
	return s.getApproval(ctx, `run_id = ?`, runID)
}

func (s *SQLiteStore) getApproval(ctx context.Context, where string, arg string) (*ApprovalRequest, error) {
	query := `
		SELECT token, run_id, state, approver, reason, requested_at, decided_at
		FROM approvals
		WHERE ` + where

	req := &ApprovalRequest{}
	var state string
	var approver, reason sql.NullString
	var decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&req.Token,
		&req.RunID,
		&state,
		&approver,
		&reason,
		&req.RequestedAt,
		&decidedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}

	req.State = engine.ApprovalState(state)
	req.Approver = approver.String
	req.Reason = reason.String
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return req, nil
}

// DecideApproval records a decision on a pending approval. Deciding twice
// returns ErrAlreadyDecided.
func (s *SQLiteStore) DecideApproval(ctx context.Context, token string, state engine.ApprovalState, approver, reason string) error {
	query := `
		UPDATE approvals
		SET state = ?, approver = ?, reason = ?, decided_at = ?
		WHERE token = ? AND state = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(state),
		nullString(approver),
		nullString(reason),
		s.now(),
		token,
		string(engine.ApprovalPending),
	)
	if err != nil {
		return fmt.Errorf("failed to decide approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetApproval(ctx, token); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyDecided, token)
	}
	return nil
}

// AppendEvent appends an event to a run's timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		str := string(b)
		data = &str
	}

	query := `
		INSERT INTO events (event_id, run_id, plan_id, step_id, type, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.PlanID,
		nullString(event.StepID),
		string(event.Type),
		event.Message,
		data,
		event.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns a run's timeline in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit int) ([]engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT event_id, run_id, plan_id, step_id, type, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var event engine.Event
		var typ string
		var stepID, data sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.PlanID,
			&stepID,
			&typ,
			&event.Message,
			&data,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(typ)
		event.StepID = stepID.String
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
