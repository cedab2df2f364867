package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence"
)

// RunRepository stores one JSON file per run. A single mutex serializes writes;
// the run store is low-volume enough that per-id locking is not worth it.
type RunRepository struct {
	mu   sync.Mutex
	root string
}

func NewRunRepository(root string) *RunRepository {
	return &RunRepository{root: root}
}

func (r *RunRepository) runPath(id string) string {
	return filepath.Clean(path.Join(r.root, "runs", id+".json"))
}

// Create writes a new run document.
func (r *RunRepository) Create(_ context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(path.Join(r.root, "runs"), 0750); err != nil {
		return persistence.NewRunError("Create", run.ID, fmt.Errorf("failed to create runs directory: %w", err))
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	return r.write("Create", run)
}

// Update overwrites the run document. Updates against a stored terminal run
// are rejected so a completed run can never be mutated by a late writer.
func (r *RunRepository) Update(ctx context.Context, run *models.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.read(run.ID)
	if err != nil {
		return persistence.NewRunError("Update", run.ID, err)
	}

	if existing.IsTerminal() {
		return persistence.NewRunError("Update", run.ID, persistence.ErrRunTerminal)
	}

	run.UpdatedAt = time.Now().UTC()

	return r.write("Update", run)
}

func (r *RunRepository) GetByID(_ context.Context, id string) (*models.Run, error) {
	run, err := r.read(id)
	if err != nil {
		return nil, persistence.NewRunError("GetByID", id, err)
	}

	return run, nil
}

// ListStale returns running runs last updated before the cutoff.
func (r *RunRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	root := os.DirFS(path.Join(r.root, "runs"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list run files: %w", err)
	}

	stale := make([]*models.Run, 0)

	for _, file := range jsonFiles {
		id := file[:len(file)-5]

		run, err := r.read(id)
		if err != nil {
			return nil, persistence.NewRunError("ListStale", id, err)
		}

		if run.Status == models.RunStatusRunning && run.UpdatedAt.Before(cutoff) {
			stale = append(stale, run)
		}
	}

	return stale, nil
}

func (r *RunRepository) read(id string) (*models.Run, error) {
	body, err := os.ReadFile(r.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var run models.Run
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}

func (r *RunRepository) write(op string, run *models.Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return persistence.NewRunError(op, run.ID, fmt.Errorf("failed to marshal run: %w", err))
	}

	if err := os.WriteFile(r.runPath(run.ID), data, 0600); err != nil {
		return persistence.NewRunError(op, run.ID, fmt.Errorf("failed to write run file: %w", err))
	}

	return nil
}
