package router

import (
	"github.com/gigpayhq/gigpay/app/controllers"
	"github.com/gigpayhq/gigpay/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())

	v1 := api.Group("/v1/billing")

	// Provider webhooks authenticate by signature, not by account header.
	v1.Post("/webhook", controllers.HandleProviderWebhook)

	account := v1.Group("", middleware.AccountMiddleware())
	account.Post("/checkout", controllers.HandleCreateCheckout)
	account.Post("/subscription/cancel", controllers.HandleCancelSubscription)
	account.Get("/premium", controllers.HandlePremiumStatus)
	account.Get("/commissions", controllers.HandleCommissionOverview)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
