package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gigpayhq/gigpay/internal/pkg/env"
	"github.com/gofiber/fiber/v2"
)

// ServiceTokenMiddleware authenticates internal collaborator requests (the
// job-board service reporting completed jobs) via a shared token header.
func ServiceTokenMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractServiceToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing service token"})
		}

		expected := env.GetEnv("BILLING_SERVICE_TOKEN", "")
		if expected == "" {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Service token not configured"})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid service token"})
		}

		return c.Next()
	}
}

func extractServiceToken(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-Service-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
