package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"session-sync/backend"
	"session-sync/models"
	"session-sync/services"

	"github.com/gofiber/fiber/v2"
)

const testToken = "debug-secret"

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	db, err := backend.OpenDB("sqlite", filepath.Join(t.TempDir(), "debug.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	logger := log.New(io.Discard, "", 0)
	hub := backend.NewHub()
	store := backend.NewGormStore(db, hub, logger)
	reg := services.NewRegistry(store, hub,
		services.TransportOptions{Logger: logger},
		services.ReplicaOptions{Logger: logger},
	)
	t.Cleanup(reg.Close)

	app := fiber.New()
	SetupDebugRoutes(app, reg, testToken)
	return app
}

func call(t *testing.T, app *fiber.App, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type sessionResponse struct {
	Client clientView `json:"client"`
}

type playersResponse struct {
	HostID  string               `json:"host_id"`
	Status  models.SessionStatus `json:"status"`
	Players []models.Participant `json:"players"`
}

func TestDebugRoutesRequireToken(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/debug/clients", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/clients", nil)
	req.Header.Set("Authorization", "wrong")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong token, got %d", resp.StatusCode)
	}

	var out struct {
		Clients []clientView `json:"clients"`
	}
	if code := call(t, app, http.MethodGet, "/debug/clients", nil, &out); code != fiber.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
	if len(out.Clients) != 0 {
		t.Fatalf("expected no clients, got %v", out.Clients)
	}
}

func TestDebugStreamRequiresQueryToken(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/debug/clients/nobody/stream", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 without token, got %d", resp.StatusCode)
	}
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/debug/clients/nobody/stream?token="+testToken, nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for an unknown client, got %d", resp.StatusCode)
	}
}

func TestDebugSessionFlow(t *testing.T) {
	app := newTestApp(t)

	var created sessionResponse
	if code := call(t, app, http.MethodPost, "/debug/sessions", createSessionRequest{DisplayName: "Host"}, &created); code != fiber.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	host := created.Client
	if !host.IsHost || host.JoinCode == "" {
		t.Fatalf("unexpected host view %+v", host)
	}

	var joined sessionResponse
	if code := call(t, app, http.MethodPost, "/debug/sessions/join", joinSessionRequest{JoinCode: host.JoinCode, DisplayName: "Guest"}, &joined); code != fiber.StatusOK {
		t.Fatalf("join: status %d", code)
	}
	guest := joined.Client
	if guest.IsHost || guest.SessionID != host.SessionID {
		t.Fatalf("unexpected guest view %+v", guest)
	}

	if code := call(t, app, http.MethodPost, "/debug/sessions/join", joinSessionRequest{JoinCode: "ZZZZZZ", DisplayName: "Lost"}, nil); code != fiber.StatusNotFound {
		t.Fatalf("join with an unknown code: expected 404, got %d", code)
	}

	hostPath := "/debug/clients/" + host.PlayerID
	guestPath := "/debug/clients/" + guest.PlayerID

	var players playersResponse
	if code := call(t, app, http.MethodGet, hostPath+"/players", nil, &players); code != fiber.StatusOK {
		t.Fatalf("players: status %d", code)
	}
	if players.HostID != host.PlayerID || len(players.Players) != 2 {
		t.Fatalf("host view wrong: %+v", players)
	}

	send := sendRequest{
		Type: models.MessagePlayerStateUpdate,
		Data: json.RawMessage(`{"player_id":"` + guest.PlayerID + `","health":40}`),
	}
	if code := call(t, app, http.MethodPost, hostPath+"/send", send, nil); code != fiber.StatusAccepted {
		t.Fatalf("send: status %d", code)
	}
	if code := call(t, app, http.MethodGet, guestPath+"/players", nil, &players); code != fiber.StatusOK {
		t.Fatalf("guest players: status %d", code)
	}
	var guestHealth int
	for _, p := range players.Players {
		if p.PlayerID == guest.PlayerID {
			guestHealth = p.Health
		}
	}
	if guestHealth != 40 {
		t.Fatalf("guest replica should apply the host broadcast, health=%d", guestHealth)
	}

	var state services.InterpolatedState
	if code := call(t, app, http.MethodGet, hostPath+"/players/"+guest.PlayerID+"/interpolated?t=1000", nil, &state); code != fiber.StatusOK {
		t.Fatalf("interpolated: status %d", code)
	}
	if state.PlayerID != guest.PlayerID {
		t.Fatalf("interpolated wrong player: %+v", state)
	}
	if code := call(t, app, http.MethodGet, hostPath+"/players/ghost/interpolated", nil, nil); code != fiber.StatusNotFound {
		t.Fatalf("interpolated unknown player: expected 404, got %d", code)
	}
	if code := call(t, app, http.MethodGet, hostPath+"/players/"+guest.PlayerID+"/interpolated?t=soon", nil, nil); code != fiber.StatusBadRequest {
		t.Fatalf("bad t: expected 400, got %d", code)
	}

	foreign := models.ParticipantPatch{PlayerID: host.PlayerID, PositionX: models.Float(5)}
	if code := call(t, app, http.MethodPost, guestPath+"/write", foreign, nil); code != fiber.StatusForbidden {
		t.Fatalf("guest writing the host row: expected 403, got %d", code)
	}
	if code := call(t, app, http.MethodPost, guestPath+"/start", nil, nil); code != fiber.StatusForbidden {
		t.Fatalf("guest start: expected 403, got %d", code)
	}
	if code := call(t, app, http.MethodPost, hostPath+"/start", nil, nil); code != fiber.StatusOK {
		t.Fatalf("host start: status %d", code)
	}
	if code := call(t, app, http.MethodGet, guestPath+"/players", nil, &players); code != fiber.StatusOK || players.Status != models.SessionStatusActive {
		t.Fatalf("guest should see the session active, got %d %q", code, players.Status)
	}

	if code := call(t, app, http.MethodPost, hostPath+"/resync", nil, nil); code != fiber.StatusOK {
		t.Fatalf("resync: status %d", code)
	}

	if code := call(t, app, http.MethodDelete, guestPath, nil, nil); code != fiber.StatusNoContent {
		t.Fatalf("leave: status %d", code)
	}
	if code := call(t, app, http.MethodGet, guestPath+"/players", nil, nil); code != fiber.StatusNotFound {
		t.Fatalf("left client: expected 404, got %d", code)
	}

	var ended struct {
		Status  models.SessionStatus `json:"status"`
		Archive string               `json:"archive"`
	}
	if code := call(t, app, http.MethodPost, hostPath+"/end", nil, &ended); code != fiber.StatusOK {
		t.Fatalf("end: status %d", code)
	}
	if ended.Status != models.SessionStatusEnded || ended.Archive != "" {
		t.Fatalf("unexpected end response %+v", ended)
	}
}
