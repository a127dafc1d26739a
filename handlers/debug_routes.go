// handlers/debug_routes.go
package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"session-sync/backend"
	"session-sync/middleware"
	"session-sync/models"
	"session-sync/services"

	"github.com/gofiber/fiber/v2"
)

const streamKeepalive = 15 * time.Second

type createSessionRequest struct {
	DisplayName string `json:"display_name"`
}

type joinSessionRequest struct {
	JoinCode    string `json:"join_code"`
	DisplayName string `json:"display_name"`
	// PlayerID reconnects a known identity; empty allocates a new one.
	PlayerID string `json:"player_id"`
}

type sendRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type clientView struct {
	PlayerID  string               `json:"player_id"`
	SessionID string               `json:"session_id"`
	JoinCode  string               `json:"join_code"`
	IsHost    bool                 `json:"is_host"`
	Status    models.SessionStatus `json:"status"`
}

func viewOf(c *services.Client) clientView {
	v := clientView{PlayerID: c.PlayerID(), IsHost: c.Transport.IsHost(), Status: c.Replica.Status()}
	if s := c.Transport.Session(); s != nil {
		v.SessionID = s.ID
		v.JoinCode = s.JoinCode
	}
	return v
}

// SetupDebugRoutes exposes the registry's local clients over HTTP. Every
// route takes the debug token as a Bearer header, except the SSE stream which
// takes it as ?token=.
func SetupDebugRoutes(app *fiber.App, reg *services.Registry, token string) {
	auth := middleware.DebugTokenMiddleware(token)
	player := middleware.PlayerContextMiddleware(reg)

	app.Post("/debug/sessions", auth, func(c *fiber.Ctx) error {
		var req createSessionRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		client, err := reg.Create(c.UserContext(), req.DisplayName)
		if err != nil {
			return failure(c, "failed to create session", err)
		}
		log.Printf("🎮 [DEBUG_API] Session %s created by %s", client.Transport.Session().JoinCode, client.PlayerID())
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"client":      viewOf(client),
			"session":     client.Transport.Session(),
			"participant": client.Transport.Participant(),
		})
	})

	app.Post("/debug/sessions/join", auth, func(c *fiber.Ctx) error {
		var req joinSessionRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		if strings.TrimSpace(req.JoinCode) == "" {
			return badRequest(c, "join_code is required")
		}
		client, err := reg.Join(c.UserContext(), req.JoinCode, req.DisplayName, req.PlayerID)
		if err != nil {
			return failure(c, "failed to join session", err)
		}
		return c.JSON(fiber.Map{
			"client":      viewOf(client),
			"session":     client.Transport.Session(),
			"participant": client.Transport.Participant(),
		})
	})

	app.Get("/debug/clients", auth, func(c *fiber.Ctx) error {
		views := []clientView{}
		for _, id := range reg.PlayerIDs() {
			if client, ok := reg.Get(id); ok {
				views = append(views, viewOf(client))
			}
		}
		return c.JSON(fiber.Map{"clients": views})
	})

	app.Get("/debug/clients/:player_id/players", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		return c.JSON(fiber.Map{
			"session_id": client.Replica.SessionID(),
			"host_id":    client.Replica.HostID(),
			"status":     client.Replica.Status(),
			"players":    client.Replica.Players(),
		})
	})

	app.Get("/debug/clients/:player_id/players/:target/interpolated", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		renderTs := client.Transport.Clock().Now().UnixMilli()
		if raw := c.Query("t"); raw != "" {
			ts, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return badRequest(c, "t must be unix milliseconds")
			}
			renderTs = ts
		}
		state, ok := client.Replica.GetInterpolatedPlayerState(c.Params("target"), renderTs)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "player not in replica",
			})
		}
		return c.JSON(state)
	})

	app.Post("/debug/clients/:player_id/send", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		var req sendRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		if req.Type == "" {
			return badRequest(c, "type is required")
		}

		ctx := c.UserContext()
		var err error
		switch req.Type {
		case models.MessagePositionUpdate:
			var patch models.ParticipantPatch
			if err := json.Unmarshal(req.Data, &patch); err != nil {
				return badRequest(c, "position_update data must be a partial participant")
			}
			err = client.Transport.SendPositionUpdate(ctx, patch)
		case models.MessagePlayerStateUpdate:
			patches, decodeErr := decodePatches(req.Data)
			if decodeErr != nil {
				return badRequest(c, decodeErr.Error())
			}
			err = client.Transport.BroadcastPlayerStateUpdate(ctx, patches)
		default:
			err = client.Transport.Send(ctx, req.Type, req.Data)
		}
		if err != nil {
			return failure(c, "failed to send", err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/debug/clients/:player_id/write", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		patches, err := decodePatches(c.Body())
		if err != nil {
			return badRequest(c, err.Error())
		}
		if err := client.Transport.WritePlayerStatesToDB(c.UserContext(), patches); err != nil {
			return failure(c, "failed to write player state", err)
		}
		return c.JSON(fiber.Map{"written": len(patches)})
	})

	app.Post("/debug/clients/:player_id/start", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		if err := client.Transport.StartSession(c.UserContext()); err != nil {
			return failure(c, "failed to start session", err)
		}
		return c.JSON(fiber.Map{"status": models.SessionStatusActive})
	})

	app.Post("/debug/clients/:player_id/end", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		location, err := reg.End(c.UserContext(), client.PlayerID())
		if err != nil {
			return failure(c, "failed to end session", err)
		}
		return c.JSON(fiber.Map{
			"status":  models.SessionStatusEnded,
			"archive": location,
		})
	})

	app.Post("/debug/clients/:player_id/resync", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		if err := client.Replica.Resync(c.UserContext()); err != nil {
			return failure(c, "resync failed", err)
		}
		return c.JSON(fiber.Map{"players": client.Replica.Len()})
	})

	app.Delete("/debug/clients/:player_id", auth, player, func(c *fiber.Ctx) error {
		client := middleware.ClientFrom(c)
		if err := reg.Leave(c.UserContext(), client.PlayerID()); err != nil {
			return failure(c, "failed to leave session", err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/debug/clients/:player_id/stream", middleware.StreamTokenMiddleware(token), player, func(c *fiber.Ctx) error {
		return streamReplica(c, middleware.ClientFrom(c))
	})
}

// streamReplica writes one SSE event per replica change, each carrying the
// full sorted player list.
func streamReplica(c *fiber.Ctx, client *services.Client) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	events := make(chan services.ReplicaEvent, 64)
	sub := client.Replica.Subscribe(func(ev services.ReplicaEvent) {
		select {
		case events <- ev:
		default:
			// slow reader; the next event carries the full list anyway
		}
	})
	done := client.Context().Done()
	playerID := client.PlayerID()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Unsubscribe()
		ticker := time.NewTicker(streamKeepalive)
		defer ticker.Stop()

		if err := writeEvent(w, services.ReplicaEvent{Type: services.ReplicaResync}, client); err != nil {
			return
		}
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if err := writeEvent(w, ev, client); err != nil {
					log.Printf("[DEBUG_API] SSE stream for %s closed: %v", playerID, err)
					return
				}
			case <-ticker.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev services.ReplicaEvent, client *services.Client) error {
	payload, err := json.Marshal(fiber.Map{
		"event":   ev,
		"status":  client.Replica.Status(),
		"players": client.Replica.Players(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return w.Flush()
}

// decodePatches accepts a single partial participant or an array of them.
func decodePatches(body []byte) ([]models.ParticipantPatch, error) {
	msg, err := models.DecodeStateUpdate(models.Envelope{Data: body})
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func failure(c *fiber.Ctx, msg string, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, backend.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrNotJoinable), errors.Is(err, services.ErrDuplicateMembership):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrNotHost):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrNoSession), errors.Is(err, services.ErrValidationRejected):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrConnection):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
