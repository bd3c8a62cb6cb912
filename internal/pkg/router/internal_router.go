package router

import (
	"github.com/gigpayhq/gigpay/app/controllers"
	"github.com/gigpayhq/gigpay/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
)

// InternalRouter carries the service-to-service surface: the job-board
// collaborator reports completed jobs here.
type InternalRouter struct {
}

func (h InternalRouter) InstallRouter(app *fiber.App) {
	internal := app.Group("/internal/v1", middleware.ServiceTokenMiddleware())
	internal.Post("/jobs/complete", controllers.HandleJobComplete)
}

func NewInternalRouter() *InternalRouter {
	return &InternalRouter{}
}
