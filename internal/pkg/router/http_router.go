package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/recoverly-app/recoverly/app/controllers"
	"github.com/recoverly-app/recoverly/internal/pkg/cache"
	"github.com/recoverly-app/recoverly/internal/pkg/env"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", controllers.HandleHealth)

	// Webhook ingress. The limiter is backed by Redis so the limit holds
	// across instances; the provider's retry loop treats 429 like any other
	// failure and redelivers later.
	webhooks := app.Group("/webhooks", limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		Storage:    newLimiterStorage(),
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}))
	webhooks.Post("/billing", controllers.HandleBillingWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

// newLimiterStorage builds Redis-backed limiter storage from the cache
// client's connection settings, using a separate database so limiter keys
// never collide with the counter hashes.
func newLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}
