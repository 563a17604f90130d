package transport

import (
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/haunguyenht/Stripula-sub007/internal/gateway"
	"github.com/haunguyenht/Stripula-sub007/internal/handler"
	"github.com/haunguyenht/Stripula-sub007/internal/observability"
	"github.com/haunguyenht/Stripula-sub007/internal/orchestrator"
	"github.com/haunguyenht/Stripula-sub007/internal/proxypool"
)

// OpsServerDeps carries everything the operational HTTP surface exposes.
type OpsServerDeps struct {
	SQLDB   *sql.DB
	Redis   *redis.Client
	Pool    *proxypool.Manager
	Tracker *gateway.Tracker
	Engine  *orchestrator.Orchestrator
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// NewOpsApp assembles the fiber application serving health, status and
// metrics endpoints for the engine.
func NewOpsApp(deps OpsServerDeps) *fiber.App {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler(logger),
	})

	if deps.Metrics != nil {
		app.Use(deps.Metrics.HTTPMiddleware())
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	handler.RegisterOpsRoutes(app, deps.SQLDB, deps.Redis, deps.Pool, deps.Tracker)
	if deps.Engine != nil {
		handler.RegisterBatchRoutes(app, deps.Engine)
	}

	return app
}

// ErrorHandler maps domain errors onto HTTP status codes and logs the
// failed request.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusForError(err)

		logger.Error("request error",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		)

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrBatchInProgress):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrInsufficientCredits):
		return fiber.StatusPaymentRequired
	case errors.Is(err, domain.ErrChannelUnavailable), errors.Is(err, domain.ErrNoProxyAvailable):
		return fiber.StatusServiceUnavailable
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}
	return fiber.StatusInternalServerError
}
