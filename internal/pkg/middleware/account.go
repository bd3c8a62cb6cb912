package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AccountIDLocal is the fiber locals key carrying the authenticated account id.
const AccountIDLocal = "ACCOUNT_ID"

// AccountMiddleware reads the account id the upstream gateway resolved from
// the user's session. Authentication itself happens upstream; this subsystem
// only needs the id.
func AccountMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get("X-Account-ID"))
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing account header"})
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid account header"})
		}
		c.Locals(AccountIDLocal, uint(id))
		return c.Next()
	}
}

// AccountID returns the account id stored by AccountMiddleware.
func AccountID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(AccountIDLocal).(uint); ok {
		return id
	}
	return 0
}
