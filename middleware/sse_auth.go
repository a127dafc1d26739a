// middleware/sse_auth.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// StreamTokenMiddleware validates `token` from the query string. EventSource
// clients cannot set headers, so the replica stream authenticates this way.
//
// Usage:
//
//	app.Get("/debug/clients/:player_id/stream", middleware.StreamTokenMiddleware(token), streamHandler)
func StreamTokenMiddleware(expectedToken string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if expectedToken == "" {
			return c.Next()
		}

		token := strings.TrimSpace(string(c.Request().URI().QueryArgs().Peek("token")))
		if token == "" {
			log.Printf("[STREAM_AUTH] ❌ Missing token query param on %s", c.Path())
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing token in query",
			})
		}
		if token != expectedToken {
			log.Printf("[STREAM_AUTH] ❌ Invalid token (len=%d) on %s", len(token), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		return c.Next()
	}
}
