// Package persistence provides the data storage abstraction for runs and
// definitions.
package persistence

import (
	"context"
	"time"

	"github.com/colloquy/colloquy/pkg/models"
)

// RunRepository is the durable ledger of task runs. Updates against terminal
// runs must be rejected; implementations guarantee atomic read-modify-write
// per run id.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	Update(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id string) (*models.Run, error)

	// ListStale returns running runs not updated since the cutoff, for the
	// sweeper.
	ListStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error)
}

// DefinitionRepository stores task definitions. Deletes are soft so in-flight
// runs bound to a cached copy are never corrupted.
type DefinitionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Definition, error)
	GetAll(ctx context.Context) ([]*models.Definition, error)
	Save(ctx context.Context, def *models.Definition) error
	Delete(ctx context.Context, id string) error
}

type Persistence interface {
	Runs() RunRepository
	Definitions() DefinitionRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
