package router

import (
	"github.com/tvollmer/planhub/app/controllers"

	"github.com/gofiber/fiber/v2"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", controllers.HandleHealth)

	// Gateway webhooks (no CSRF, signature-verified in controller)
	app.Post("/webhooks/gateway", controllers.HandleGatewayWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
