package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence"
)

// DefinitionRepository stores one JSON file per definition. Deletes are soft:
// the document stays on disk with deleted_at set so in-flight runs bound to a
// cached copy keep working.
type DefinitionRepository struct {
	root string
}

func NewDefinitionRepository(root string) *DefinitionRepository {
	return &DefinitionRepository{root: root}
}

func (r *DefinitionRepository) defPath(id string) string {
	return filepath.Clean(path.Join(r.root, "definitions", id+".json"))
}

func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.Definition, error) {
	def, err := r.read(id)
	if err != nil {
		return nil, persistence.NewDefinitionError("GetByID", id, err)
	}

	if def.DeletedAt != nil {
		return nil, persistence.NewDefinitionError("GetByID", id, persistence.ErrDefinitionNotFound)
	}

	return def, nil
}

// GetAll returns every non-deleted definition, newest first.
func (r *DefinitionRepository) GetAll(_ context.Context) ([]*models.Definition, error) {
	root := os.DirFS(path.Join(r.root, "definitions"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list definition files: %w", err)
	}

	defs := make([]*models.Definition, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5]

		def, err := r.read(id)
		if err != nil {
			return nil, persistence.NewDefinitionError("GetAll", id, err)
		}

		if def.DeletedAt == nil {
			defs = append(defs, def)
		}
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})

	return defs, nil
}

func (r *DefinitionRepository) Save(_ context.Context, def *models.Definition) error {
	if err := os.MkdirAll(path.Join(r.root, "definitions"), 0750); err != nil {
		return persistence.NewDefinitionError("Save", def.ID, fmt.Errorf("failed to create definitions directory: %w", err))
	}

	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	def.UpdatedAt = now

	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return persistence.NewDefinitionError("Save", def.ID, fmt.Errorf("failed to marshal definition: %w", err))
	}

	if err := os.WriteFile(r.defPath(def.ID), data, 0600); err != nil {
		return persistence.NewDefinitionError("Save", def.ID, fmt.Errorf("failed to write definition file: %w", err))
	}

	return nil
}

// Delete soft-deletes by stamping deleted_at.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	def, err := r.read(id)
	if err != nil {
		return persistence.NewDefinitionError("Delete", id, err)
	}

	if def.DeletedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	def.DeletedAt = &now

	return r.Save(ctx, def)
}

func (r *DefinitionRepository) read(id string) (*models.Definition, error) {
	body, err := os.ReadFile(r.defPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	var def models.Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	return &def, nil
}
