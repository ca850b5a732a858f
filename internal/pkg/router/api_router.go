package router

import (
	"github.com/tvollmer/planhub/app/controllers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	v1 := api.Group("/v1")
	v1.Get("/subscribers/:id/subscription", controllers.HandleGetSubscription)
	v1.Get("/reconciliation/stats", controllers.HandleReconciliationStats)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
