// Package main provides the Colloquy conversation API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/colloquy/colloquy/pkg/definitions"
	"github.com/colloquy/colloquy/pkg/engine"
	"github.com/colloquy/colloquy/pkg/eventbus"
	"github.com/colloquy/colloquy/pkg/orchestrator"
	"github.com/colloquy/colloquy/pkg/persistence"
	"github.com/colloquy/colloquy/pkg/registry"
	"github.com/colloquy/colloquy/pkg/session"
	"github.com/colloquy/colloquy/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	sessions    session.Store
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	tracer      trace.Tracer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	sessions session.Store,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		sessions:    sessions,
		registry:    registry,
		eventBus:    eventBus,
		tracer:      tracer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	defs := definitions.NewCache(a.persistence.Definitions(), definitions.DefaultTTL)
	eng := engine.NewEngine(a.registry, a.logger)

	orch := orchestrator.New(a.logger, eng, a.registry, a.persistence.Runs(), defs, a.sessions).
		WithEventBus(a.eventBus)

	if a.tracer != nil {
		orch = orch.WithTracer(a.tracer)
	}

	handlers := web.NewAPIHandlers(orch, a.persistence, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Colloquy API")
	})

	d := app.Group("/definitions")
	d.Get("/", handlers.ListDefinitions)
	d.Get("/:id", handlers.GetDefinition)
	d.Post("/:id/validate", handlers.ValidateDefinition)

	app.Get("/runs/:id", handlers.GetRun)
	app.Post("/sessions/:id/messages", handlers.PostMessage)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
