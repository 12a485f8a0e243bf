package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/recoverly-app/recoverly/app/controllers"
	"github.com/recoverly-app/recoverly/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	// Operator API. Everything here is behind the shared ops key.
	v1 := api.Group("/v1", middleware.OpsAPIKeyMiddleware())
	v1.Get("/queue/stats", controllers.HandleQueueStats)
	v1.Post("/jobs/:uuid/replay", controllers.HandleReplayDeadLetter)
	v1.Get("/cases/:uuid", controllers.HandleGetCase)
	v1.Get("/cases/:uuid/member", controllers.HandleGetCaseMember)
	v1.Get("/cases/:uuid/payment", controllers.HandleGetCasePayment)
	v1.Post("/cases/:uuid/terminate", controllers.HandleTerminateCase)
	v1.Get("/stats/daily", controllers.HandleDailyStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
