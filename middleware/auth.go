// middleware/auth.go
package middleware

import (
	"log"
	"strings"

	"session-sync/services"

	"github.com/gofiber/fiber/v2"
)

// ClientLocalsKey is the fiber Locals key holding the resolved *services.Client.
const ClientLocalsKey = "client"

// PlayerContextMiddleware resolves the :player_id route param to a registered
// local client and attaches it to the context.
func PlayerContextMiddleware(reg *services.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		playerID := strings.TrimSpace(c.Params("player_id"))
		if playerID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing player_id",
			})
		}

		client, ok := reg.Get(playerID)
		if !ok {
			log.Printf("❌ [PLAYER_CTX] No local client %s for %s", playerID, c.Path())
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "unknown client",
			})
		}

		c.Locals(ClientLocalsKey, client)
		return c.Next()
	}
}

// ClientFrom returns the client attached by PlayerContextMiddleware.
func ClientFrom(c *fiber.Ctx) *services.Client {
	client, _ := c.Locals(ClientLocalsKey).(*services.Client)
	return client
}
