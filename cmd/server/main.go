package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/config"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/database"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/events"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/routes"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		log.Fatal("DB_URL is required")
	}
	db, err := database.Connect(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// 3. Event channel and change bridge
	channel, err := openChannel(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open event channel: %v", err)
	}
	defer func() {
		if err := channel.Close(); err != nil {
			log.Printf("Failed to close event channel: %v", err)
		}
	}()

	bridgeDone := make(chan struct{})
	if cfg.ChangeBridge {
		bridge := events.NewBridge(db, channel, cfg.RealtimeChannel)
		go func() {
			defer close(bridgeDone)
			if err := bridge.Run(ctx); err != nil {
				log.Printf("Realtime bridge stopped: %v", err)
			}
		}()
	} else {
		close(bridgeDone)
	}

	// 4. Setup Fiber
	app := fiber.New()

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"transport": cfg.EventTransport,
		})
	})
	hub := routes.RegisterRoutes(app, cfg, db, channel)

	// 5. Start Server
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Server starting on port %s (%s, events via %s)", cfg.Port, cfg.AppEnv, cfg.EventTransport)
		serverErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server failed: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down")
	}
	stop()

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	hub.Shutdown()
	<-bridgeDone
}

func openChannel(ctx context.Context, cfg *config.Config) (events.Channel, error) {
	if cfg.EventTransport == config.TransportNATS {
		return events.NewNATSChannel(ctx, cfg.NATSURL, cfg.NATSStream)
	}
	return events.NewMemoryBus(), nil
}
