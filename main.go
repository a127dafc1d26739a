package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"session-sync/backend"
	"session-sync/config"
	"session-sync/handlers"
	"session-sync/relay"
	"session-sync/services"
	"session-sync/utils"
	"session-sync/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	db, err := backend.OpenDB(cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open store:", err)
	}

	// One hub carries the change feed and every session channel. Local
	// debug clients use it directly; remote clients reach it through the relay.
	hub := backend.NewHub()
	store := backend.NewGormStore(db, hub, nil)

	reg := services.NewRegistry(store, hub, cfg.TransportOptions(nil), cfg.ReplicaOptions(nil))
	reg.OnAttach(workers.Schedule{
		Checkpoint:       cfg.CheckpointInterval,
		Heartbeat:        cfg.HeartbeatInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}.StartForClient)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r2 := cfg.R2(); r2.Enabled() {
		client, err := utils.NewR2Client(ctx, r2)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		reg.SetArchiver(services.NewSnapshotArchiver(utils.NewArchiver(client, r2)))
		log.Printf("✅ Session archive enabled (bucket %s)", r2.Bucket)
	} else {
		log.Println("⚠️  R2 credentials not set, ended sessions will not be archived")
	}

	relayServer := relay.NewServer(hub, relay.ServerConfig{Token: cfg.RelayToken})
	mux := http.NewServeMux()
	mux.Handle("/relay", relayServer)
	relayHTTP := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := relayHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Relay server error: %v", err)
		}
	}()

	app := fiber.New(fiber.Config{
		AppName: "session-sync",
	})

	origins := strings.Split(cfg.AllowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	allowedOrigins := strings.Join(origins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Cache-Control",
		MaxAge:       86400,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":        "ok",
			"clients":       len(reg.PlayerIDs()),
			"relay_clients": relayServer.Connections(),
		})
	})
	handlers.SetupDebugRoutes(app, reg, cfg.DebugToken)

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Debug API running on %s", cfg.HTTPAddr)
	log.Printf("✅ Relay listening on ws://%s/relay", cfg.RelayAddr)
	log.Printf("✅ Store: %s", cfg.StoreDriver)
	log.Printf("✅ CORS configured for origins: %s", allowedOrigins)

	<-ctx.Done()
	log.Println("Shutting down server...")

	reg.Close()
	relayServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := relayHTTP.Shutdown(shutdownCtx); err != nil {
		log.Printf("Relay shutdown error: %v", err)
	}
	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	hub.Close()
}
