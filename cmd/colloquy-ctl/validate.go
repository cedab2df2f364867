package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/colloquy/colloquy/pkg/cmd"
	"github.com/colloquy/colloquy/pkg/definitions"
	"github.com/colloquy/colloquy/pkg/log"
)

var (
	ErrDirectoryRequired   = errors.New("a directory of definition files is required")
	ErrInvalidDefinitions  = errors.New("invalid definitions found")
	ErrNoDefinitionsToScan = errors.New("no definition files found")
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate definition files against the built-in handler set",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			dir := command.Args().First()
			if dir == "" {
				return ErrDirectoryRequired
			}

			registry, err := cmd.NewRegistry(log.WithModule("ctl"))
			if err != nil {
				return err
			}

			return validateDirectory(dir, registry.Has)
		},
	}
}

func validateDirectory(dir string, handlerRegistered func(string) bool) error {
	var files []string

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !entry.IsDir() && strings.HasSuffix(path, ".json") {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", dir, err)
	}

	if len(files) == 0 {
		return fmt.Errorf("%w in %s", ErrNoDefinitionsToScan, dir)
	}

	_, _ = fmt.Fprintln(os.Stdout, "Definition Validation Results:")
	_, _ = fmt.Fprintln(os.Stdout, "==============================")

	invalid := 0

	for _, path := range files {
		document, err := os.ReadFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "  %s: INVALID (%v)\n", path, err)
			invalid++

			continue
		}

		def, err := definitions.LoadAndValidate(document, handlerRegistered)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "  %s: INVALID\n    %v\n", path, err)
			invalid++

			continue
		}

		_, _ = fmt.Fprintf(os.Stdout, "  %s: OK (%s, %d states)\n", path, def.ID, len(def.States))
	}

	_, _ = fmt.Fprintf(os.Stdout, "\nChecked %d files, %d invalid\n", len(files), invalid)

	if invalid > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDefinitions, invalid)
	}

	return nil
}
