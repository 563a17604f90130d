package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/haunguyenht/Stripula-sub007/internal/gateway"
	"github.com/haunguyenht/Stripula-sub007/internal/proxypool"
)

const readinessTimeout = 2 * time.Second

func RegisterOpsRoutes(app fiber.Router, sqlDB *sql.DB, rdb *redis.Client, pool *proxypool.Manager, tracker *gateway.Tracker) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(sqlDB, rdb))
	app.Get("/proxies", ProxyStatusHandler(pool))
	app.Get("/gateways", GatewayStatusHandler(tracker))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(sqlDB *sql.DB, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		pgErr := sqlDB.PingContext(ctx)
		redisErr := rdb.Ping(ctx).Err()

		pgStatus := "ok"
		if pgErr != nil {
			pgStatus = "down"
		}
		redisStatus := "ok"
		if redisErr != nil {
			redisStatus = "down"
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if pgErr != nil || redisErr != nil {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"postgres": pgStatus,
				"redis":    redisStatus,
			},
		})
	}
}

type proxyView struct {
	ID        string `json:"id"`
	Transport string `json:"transport"`
	Addr      string `json:"addr"`
	Health    string `json:"health"`
	FailCount int    `json:"failCount"`
}

func ProxyStatusHandler(pool *proxypool.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		endpoints := pool.List()
		views := make([]proxyView, 0, len(endpoints))
		for _, ep := range endpoints {
			views = append(views, proxyView{
				ID:        ep.ID,
				Transport: string(ep.Transport),
				Addr:      ep.Addr(),
				Health:    string(ep.Health),
				FailCount: ep.FailCount,
			})
		}

		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"enabled": pool.Enabled(),
			"count":   len(views),
			"proxies": views,
		})
	}
}

type gatewayView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Availability string `json:"availability"`
	Reason       string `json:"reason,omitempty"`
}

func GatewayStatusHandler(tracker *gateway.Tracker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		channels := tracker.Channels()
		views := make([]gatewayView, 0, len(channels))
		unavailable := 0
		for _, ch := range channels {
			view := gatewayView{
				ID:           ch.ID,
				Name:         ch.Name,
				Kind:         string(ch.Kind),
				Availability: string(ch.Availability),
			}
			if !ch.Availability.AdmitsBatches() {
				if reason, ok := tracker.UnavailabilityReason(ch.ID); ok {
					view.Reason = reason
				}
				unavailable++
			}
			views = append(views, view)
		}

		statusCode := fiber.StatusOK
		if len(views) > 0 && unavailable == len(views) {
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"count":    len(views),
			"gateways": views,
		})
	}
}
