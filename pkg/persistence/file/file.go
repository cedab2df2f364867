// Package file provides file-based persistence for runs and definitions. One
// JSON document per entity; suited to development and single-node setups.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/colloquy/colloquy/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface on the file
// system.
type Persistence struct {
	root    string
	runRepo *RunRepository
	defRepo *DefinitionRepository
}

// NewPersistence creates file persistence rooted at the given directory.
// Accepts a bare path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:    cleanRoot,
		runRepo: NewRunRepository(cleanRoot),
		defRepo: NewDefinitionRepository(cleanRoot),
	}
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runRepo
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.defRepo
}

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup; nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}
