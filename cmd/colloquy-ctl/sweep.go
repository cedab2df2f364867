package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"

	"github.com/colloquy/colloquy/pkg/cmd"
	"github.com/colloquy/colloquy/pkg/log"
	"github.com/colloquy/colloquy/pkg/models"
	"github.com/colloquy/colloquy/pkg/persistence"
	"github.com/colloquy/colloquy/pkg/session"
)

const defaultRunTTL = 30 * time.Minute

func NewSweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Fail runs with no activity past the TTL and clear their session pointers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Storage URL for runs (file:// or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "session-url",
				Usage:   "Session store URL (memory:// or redis://)",
				Value:   "memory://",
				Sources: cli.EnvVars("SESSION_URL"),
			},
			&cli.DurationFlag{
				Name:    "ttl",
				Usage:   "Inactivity window before a running run counts as stale",
				Value:   defaultRunTTL,
				Sources: cli.EnvVars("RUN_TTL"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule for repeated sweeps; omit to sweep once and exit",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("sweeper")

			pers, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := pers.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			sessions, err := cmd.NewSessionStore(command.String("session-url"))
			if err != nil {
				return err
			}

			sweeper := NewSweeper(pers.Runs(), sessions, logger, command.Duration("ttl"))

			schedule := command.String("schedule")
			if schedule == "" {
				swept, err := sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}

				logger.InfoContext(ctx, "Sweep complete", "swept", swept)

				return nil
			}

			if _, err := cron.ParseStandard(schedule); err != nil {
				return fmt.Errorf("invalid schedule %q: %w", schedule, err)
			}

			runner := cron.New()

			_, err = runner.AddFunc(schedule, func() {
				swept, err := sweeper.SweepOnce(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Sweep failed", "error", err)
					return
				}

				logger.InfoContext(ctx, "Sweep complete", "swept", swept)
			})
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Starting scheduled sweeps", "schedule", schedule, "ttl", command.Duration("ttl"))

			runner.Start()
			<-ctx.Done()
			<-runner.Stop().Done()

			return nil
		},
	}
}

// Sweeper fails running runs that saw no activity within the TTL. Sessions
// expire on their own; runs are durable and need this janitor.
type Sweeper struct {
	runs     persistence.RunRepository
	sessions session.Store
	logger   *slog.Logger
	ttl      time.Duration
}

func NewSweeper(runs persistence.RunRepository, sessions session.Store, logger *slog.Logger, ttl time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = defaultRunTTL
	}

	return &Sweeper{runs: runs, sessions: sessions, logger: logger, ttl: ttl}
}

// SweepOnce fails every stale run and detaches it from its session. Returns
// the number of runs swept.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.ttl)

	stale, err := s.runs.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	swept := 0

	for _, run := range stale {
		run.Finish(models.RunStatusFailed, fmt.Sprintf("swept: no activity for %s", s.ttl))

		if err := s.runs.Update(ctx, run); err != nil {
			// Raced with a live update; the run is no longer stale.
			if persistence.IsRunTerminal(err) || persistence.IsRunNotFound(err) {
				continue
			}

			s.logger.ErrorContext(ctx, "Failed to fail stale run", "run_id", run.ID, "error", err)

			continue
		}

		swept++

		if _, err := s.sessions.Update(ctx, run.SessionID, func(sess *session.Session) error {
			if ptr, active := sess.ActiveTask(); active && ptr.RunID == run.ID {
				sess.ClearActiveTask()
			}

			return nil
		}); err != nil {
			s.logger.WarnContext(ctx, "Failed to clear session pointer", "session_id", run.SessionID, "error", err)
		}
	}

	return swept, nil
}
