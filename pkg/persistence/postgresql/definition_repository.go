package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence"
)

// DefinitionRepository handles definition-related database operations. The
// state graph lives in one JSONB column; the relational columns exist for
// filtering and triggers only.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.Definition, error) {
	query := `
		SELECT
			id
		  , module
		  , trigger_expr
		  , version
		  , states
		  , initial_state
		  , final_states
		  , enabled
		  , created_at
		  , updated_at
		  , deleted_at
		FROM definitions
		WHERE id = $1 AND deleted_at IS NULL
	`

	def, err := scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
		}

		return nil, persistence.NewDefinitionError("GetByID", id, fmt.Errorf("failed to scan definition: %w", err))
	}

	return def, nil
}

func (r *DefinitionRepository) GetAll(ctx context.Context) ([]*models.Definition, error) {
	query := `
		SELECT
			id
		  , module
		  , trigger_expr
		  , version
		  , states
		  , initial_state
		  , final_states
		  , enabled
		  , created_at
		  , updated_at
		  , deleted_at
		FROM definitions
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	defs := make([]*models.Definition, 0)

	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return defs, nil
}

// Save upserts a definition.
func (r *DefinitionRepository) Save(ctx context.Context, def *models.Definition) error {
	now := time.Now().UTC()

	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	statesJSON, err := json.Marshal(def.States)
	if err != nil {
		return persistence.NewDefinitionError("Save", def.ID, fmt.Errorf("failed to marshal states: %w", err))
	}

	finalStatesJSON, err := json.Marshal(def.FinalStates)
	if err != nil {
		return persistence.NewDefinitionError("Save", def.ID, fmt.Errorf("failed to marshal final states: %w", err))
	}

	query := `
		INSERT INTO definitions (id, module, trigger_expr, version, states, initial_state, final_states, enabled, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			module = EXCLUDED.module
		  , trigger_expr = EXCLUDED.trigger_expr
		  , version = EXCLUDED.version
		  , states = EXCLUDED.states
		  , initial_state = EXCLUDED.initial_state
		  , final_states = EXCLUDED.final_states
		  , enabled = EXCLUDED.enabled
		  , updated_at = EXCLUDED.updated_at
		  , deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		def.ID,
		def.Module,
		def.Trigger,
		def.Version,
		statesJSON,
		def.InitialState,
		finalStatesJSON,
		def.Enabled,
		def.CreatedAt,
		def.UpdatedAt,
		def.DeletedAt,
	)
	if err != nil {
		return persistence.NewDefinitionError("Save", def.ID, fmt.Errorf("failed to upsert definition: %w", err))
	}

	return nil
}

// Delete soft-deletes by stamping deleted_at.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE definitions SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, fmt.Errorf("failed to delete definition: %w", err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, fmt.Errorf("failed to check delete result: %w", err))
	}

	if affected == 0 {
		return persistence.NewDefinitionError("Delete", id, persistence.ErrDefinitionNotFound)
	}

	return nil
}

func scanDefinition(row rowScanner) (*models.Definition, error) {
	var (
		def             models.Definition
		statesJSON      []byte
		finalStatesJSON []byte
	)

	err := row.Scan(
		&def.ID,
		&def.Module,
		&def.Trigger,
		&def.Version,
		&statesJSON,
		&def.InitialState,
		&finalStatesJSON,
		&def.Enabled,
		&def.CreatedAt,
		&def.UpdatedAt,
		&def.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(statesJSON, &def.States); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	if err := json.Unmarshal(finalStatesJSON, &def.FinalStates); err != nil {
		return nil, fmt.Errorf("failed to unmarshal final states: %w", err)
	}

	return &def, nil
}
