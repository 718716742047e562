package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shiplane/shiplane/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a pipeline run row in the database.
type runRow struct {
	ID             string  `db:"id"`
	DefinitionName string  `db:"definition_name"`
	Status         string  `db:"status"`
	CurrentStage   string  `db:"current_stage"`
	FailedStage    string  `db:"failed_stage"`
	FailedStep     int     `db:"failed_step"`
	ErrorMessage   string  `db:"error_message"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	FinishedAt     *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return createRun(ctx, s.db, run)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return updateRun(ctx, s.db, run)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.db, opts)
}

// =============================================================================
// Environment Operations
// =============================================================================

// environmentRow represents an environment row in the database.
type environmentRow struct {
	Username    string  `db:"username"`
	RunID       string  `db:"run_id"`
	Definition  string  `db:"definition"`
	State       string  `db:"state"`
	CreatedAt   string  `db:"created_at"`
	ExpiresAt   string  `db:"expires_at"`
	DestroyedAt *string `db:"destroyed_at"`
}

func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	return createEnvironment(ctx, s.db, env)
}

func (s *SQLiteStore) GetEnvironment(ctx context.Context, username string) (*domain.Environment, error) {
	return getEnvironment(ctx, s.db, username)
}

func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	return updateEnvironment(ctx, s.db, env)
}

func (s *SQLiteStore) ListEnvironmentsByRun(ctx context.Context, runID string) ([]domain.Environment, error) {
	return listEnvironmentsByRun(ctx, s.db, runID)
}

func (s *SQLiteStore) ListExpiredEnvironments(ctx context.Context, now time.Time) ([]domain.Environment, error) {
	return listExpiredEnvironments(ctx, s.db, now)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txStore := &txSQLiteStore{tx: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", "rollback failed: "+rbErr.Error(), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "commit failed", ErrTxFailed)
	}
	return nil
}

// txSQLiteStore implements Store on top of an open transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return createRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return updateRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) CreateEnvironment(ctx context.Context, env *domain.Environment) error {
	return createEnvironment(ctx, s.tx, env)
}

func (s *txSQLiteStore) GetEnvironment(ctx context.Context, username string) (*domain.Environment, error) {
	return getEnvironment(ctx, s.tx, username)
}

func (s *txSQLiteStore) UpdateEnvironment(ctx context.Context, env *domain.Environment) error {
	return updateEnvironment(ctx, s.tx, env)
}

func (s *txSQLiteStore) ListEnvironmentsByRun(ctx context.Context, runID string) ([]domain.Environment, error) {
	return listEnvironmentsByRun(ctx, s.tx, runID)
}

func (s *txSQLiteStore) ListExpiredEnvironments(ctx context.Context, now time.Time) ([]domain.Environment, error) {
	return listExpiredEnvironments(ctx, s.tx, now)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Nested transactions are not supported; run in the current one.
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Run Queries
// =============================================================================

func createRun(ctx context.Context, e executor, run *domain.PipelineRun) error {
	row := runToRow(run)

	_, err := e.NamedExecContext(ctx, `
		INSERT INTO pipeline_runs (id, definition_name, status, current_stage, failed_stage, failed_step, error_message, created_at, updated_at, finished_at)
		VALUES (:id, :definition_name, :status, :current_stage, :failed_stage, :failed_step, :error_message, :created_at, :updated_at, :finished_at)`,
		row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func getRun(ctx context.Context, e executor, id string) (*domain.PipelineRun, error) {
	var row runRow
	err := e.GetContext(ctx, &row, `SELECT * FROM pipeline_runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToRun(row)
}

func updateRun(ctx context.Context, e executor, run *domain.PipelineRun) error {
	row := runToRow(run)

	result, err := e.NamedExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = :status, current_stage = :current_stage, failed_stage = :failed_stage,
		    failed_step = :failed_step, error_message = :error_message,
		    updated_at = :updated_at, finished_at = :finished_at
		WHERE id = :id`,
		row)
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func listRuns(ctx context.Context, e executor, opts ListOptions) ([]domain.PipelineRun, error) {
	opts = opts.Normalize()

	var rows []runRow
	err := e.SelectContext(ctx, &rows, `
		SELECT * FROM pipeline_runs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.PipelineRun, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Environment Queries
// =============================================================================

func createEnvironment(ctx context.Context, e executor, env *domain.Environment) error {
	row := environmentToRow(env)

	_, err := e.NamedExecContext(ctx, `
		INSERT INTO environments (username, run_id, definition, state, created_at, expires_at, destroyed_at)
		VALUES (:username, :run_id, :definition, :state, :created_at, :expires_at, :destroyed_at)`,
		row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateEnvironment", "environment", env.Username, "environment with this username already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateEnvironment", "environment", env.Username, err.Error(), err)
	}
	return nil
}

func getEnvironment(ctx context.Context, e executor, username string) (*domain.Environment, error) {
	var row environmentRow
	err := e.GetContext(ctx, &row, `SELECT * FROM environments WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetEnvironment", "environment", username, "environment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetEnvironment", "environment", username, err.Error(), err)
	}
	return rowToEnvironment(row)
}

func updateEnvironment(ctx context.Context, e executor, env *domain.Environment) error {
	row := environmentToRow(env)

	result, err := e.NamedExecContext(ctx, `
		UPDATE environments
		SET state = :state, destroyed_at = :destroyed_at
		WHERE username = :username`,
		row)
	if err != nil {
		return NewStoreError("UpdateEnvironment", "environment", env.Username, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("UpdateEnvironment", "environment", env.Username, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("UpdateEnvironment", "environment", env.Username, "environment not found", ErrNotFound)
	}
	return nil
}

func listEnvironmentsByRun(ctx context.Context, e executor, runID string) ([]domain.Environment, error) {
	var rows []environmentRow
	err := e.SelectContext(ctx, &rows, `
		SELECT * FROM environments WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, NewStoreError("ListEnvironmentsByRun", "environment", "", err.Error(), err)
	}
	return rowsToEnvironments(rows)
}

func listExpiredEnvironments(ctx context.Context, e executor, now time.Time) ([]domain.Environment, error) {
	var rows []environmentRow
	err := e.SelectContext(ctx, &rows, `
		SELECT * FROM environments
		WHERE state NOT IN ('destroyed', 'failed') AND expires_at < ?
		ORDER BY expires_at`,
		formatTime(now))
	if err != nil {
		return nil, NewStoreError("ListExpiredEnvironments", "environment", "", err.Error(), err)
	}
	return rowsToEnvironments(rows)
}

// =============================================================================
// Row Mapping
// =============================================================================

func runToRow(run *domain.PipelineRun) runRow {
	return runRow{
		ID:             run.ID,
		DefinitionName: run.DefinitionName,
		Status:         string(run.Status),
		CurrentStage:   run.CurrentStage,
		FailedStage:    run.FailedStage,
		FailedStep:     run.FailedStep,
		ErrorMessage:   run.ErrorMessage,
		CreatedAt:      formatTime(run.CreatedAt),
		UpdatedAt:      formatTime(run.UpdatedAt),
		FinishedAt:     formatTimePtr(run.FinishedAt),
	}
}

func rowToRun(row runRow) (*domain.PipelineRun, error) {
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "bad created_at", ErrInvalidData)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "bad updated_at", ErrInvalidData)
	}
	finishedAt, err := parseTimePtr(row.FinishedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "bad finished_at", ErrInvalidData)
	}

	return &domain.PipelineRun{
		ID:             row.ID,
		DefinitionName: row.DefinitionName,
		Status:         domain.RunStatus(row.Status),
		CurrentStage:   row.CurrentStage,
		FailedStage:    row.FailedStage,
		FailedStep:     row.FailedStep,
		ErrorMessage:   row.ErrorMessage,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		FinishedAt:     finishedAt,
	}, nil
}

func environmentToRow(env *domain.Environment) environmentRow {
	return environmentRow{
		Username:    env.Username,
		RunID:       env.RunID,
		Definition:  env.Definition,
		State:       string(env.State),
		CreatedAt:   formatTime(env.CreatedAt),
		ExpiresAt:   formatTime(env.ExpiresAt),
		DestroyedAt: formatTimePtr(env.DestroyedAt),
	}
}

func rowToEnvironment(row environmentRow) (*domain.Environment, error) {
	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToEnvironment", "environment", row.Username, "bad created_at", ErrInvalidData)
	}
	expiresAt, err := parseTime(row.ExpiresAt)
	if err != nil {
		return nil, NewStoreError("rowToEnvironment", "environment", row.Username, "bad expires_at", ErrInvalidData)
	}
	destroyedAt, err := parseTimePtr(row.DestroyedAt)
	if err != nil {
		return nil, NewStoreError("rowToEnvironment", "environment", row.Username, "bad destroyed_at", ErrInvalidData)
	}

	return &domain.Environment{
		Username:    row.Username,
		RunID:       row.RunID,
		Definition:  row.Definition,
		State:       domain.EnvironmentState(row.State),
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		DestroyedAt: destroyedAt,
	}, nil
}

func rowsToEnvironments(rows []environmentRow) ([]domain.Environment, error) {
	envs := make([]domain.Environment, 0, len(rows))
	for _, row := range rows {
		env, err := rowToEnvironment(row)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, nil
}

// =============================================================================
// Time Helpers
// =============================================================================

// Timestamps are stored as RFC 3339 strings so lexical order matches
// chronological order in SQL comparisons.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
