package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence"
)

// RunRepository handles run-related database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create inserts a new run row.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return persistence.NewRunError("Create", "", fmt.Errorf("failed to generate run ID: %w", err))
		}

		run.ID = id.String()
	}

	query := `
		INSERT INTO runs (id, definition_id, session_id, current_state, context, status, error, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.DefinitionID,
		run.SessionID,
		run.CurrentState,
		contextOrEmpty(run),
		run.Status,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return persistence.NewRunError("Create", run.ID, fmt.Errorf("failed to insert run: %w", err))
	}

	return nil
}

// Update persists a run snapshot. The status guard in the WHERE clause makes
// terminal runs immutable even under racing writers.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE runs
		SET current_state = $2
		  , context = $3
		  , status = $4
		  , error = $5
		  , updated_at = $6
		  , completed_at = $7
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.CurrentState,
		contextOrEmpty(run),
		run.Status,
		run.Error,
		run.UpdatedAt,
		run.CompletedAt,
	)
	if err != nil {
		return persistence.NewRunError("Update", run.ID, fmt.Errorf("failed to update run: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("Update", run.ID, fmt.Errorf("failed to check update result: %w", err))
	}

	if affected == 0 {
		// Either the run never existed or it already reached a terminal
		// status; distinguish for the caller.
		var status string

		err := r.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = $1", run.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.NewRunError("Update", run.ID, persistence.ErrRunNotFound)
		}

		if err != nil {
			return persistence.NewRunError("Update", run.ID, fmt.Errorf("failed to query run status: %w", err))
		}

		return persistence.NewRunError("Update", run.ID, persistence.ErrRunTerminal)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	query := `
		SELECT
			id
		  , definition_id
		  , session_id
		  , current_state
		  , context
		  , status
		  , error
		  , created_at
		  , updated_at
		  , completed_at
		FROM runs
		WHERE id = $1
	`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("GetByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", id, fmt.Errorf("failed to scan run: %w", err))
	}

	return run, nil
}

// ListStale returns running runs last updated before the cutoff.
func (r *RunRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	query := `
		SELECT
			id
		  , definition_id
		  , session_id
		  , current_state
		  , context
		  , status
		  , error
		  , created_at
		  , updated_at
		  , completed_at
		FROM runs
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale runs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run         models.Run
		contextJSON []byte
	)

	err := row.Scan(
		&run.ID,
		&run.DefinitionID,
		&run.SessionID,
		&run.CurrentState,
		&contextJSON,
		&run.Status,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Context = contextJSON

	return &run, nil
}

func contextOrEmpty(run *models.Run) []byte {
	if len(run.Context) == 0 {
		return []byte("{}")
	}

	return run.Context
}
