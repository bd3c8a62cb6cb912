package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigpayhq/gigpay/internal/pkg/billing"
	"github.com/gigpayhq/gigpay/internal/pkg/cache"
	"github.com/gigpayhq/gigpay/internal/pkg/database"
	"github.com/gigpayhq/gigpay/internal/pkg/env"
	"github.com/gigpayhq/gigpay/internal/pkg/router"
	"github.com/gigpayhq/gigpay/internal/pkg/scheduler"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	app, sched := NewApplication()
	sched.Start()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4100"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown: stop taking requests, then let the scheduler finish
	// its current unit of work.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	sched.Stop()
}

func NewApplication() (*fiber.App, *scheduler.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		AppName: "gigpay",
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// ROUTER
	router.InstallRouter(app)

	aggregator := billing.NewAggregator(
		billing.NewRepository(database.GetDB()),
		billing.NewStripeClientFromEnv(),
	)
	return app, scheduler.NewManager(aggregator)
}
