package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tvollmer/planhub/internal/pkg/cache"
	"github.com/tvollmer/planhub/internal/pkg/database"
	"github.com/tvollmer/planhub/internal/pkg/env"
	"github.com/tvollmer/planhub/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName:   "PlanHub",
		BodyLimit: 1 << 20, // webhook payloads are small; 1 MiB is plenty
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	router.InstallRouter(app)

	return app
}
