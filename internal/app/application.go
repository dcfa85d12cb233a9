package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"studybuddy/internal/api"
	"studybuddy/internal/changefeed"
	"studybuddy/internal/config"
	"studybuddy/internal/database"
	"studybuddy/internal/engine"
	"studybuddy/internal/memstore"
	"studybuddy/internal/presence"
	"studybuddy/internal/websocket"
	pkgdatabase "studybuddy/pkg/database"
	"studybuddy/pkg/interfaces"
)

// Application owns every long-lived component of the service.
type Application struct {
	config     *config.Config
	store      interfaces.DocumentStore
	dbManager  *database.Manager // nil on the memory driver
	presence   *presence.Tracker
	feed       *changefeed.Feed
	stopFeed   func() error
	engine     *engine.Engine
	registry   *websocket.Registry
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication builds the components in dependency order:
// Store → Redis → Engine → Registry → WebSocket → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg}

	// STEP 1: Document store
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Store.Path
		dbConfig.WriteTimeout = cfg.Store.Timeout
		dbConfig.ConnMaxIdleTime = cfg.Store.Timeout / 3
		dbManager, err := database.NewManager(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		app.dbManager = dbManager
		app.store = dbManager
		log.Printf("Document store: sqlite at %s", cfg.Store.Path)
	default:
		app.store = memstore.New()
		log.Printf("Document store: in-memory")
	}

	// STEP 2: Presence and the change feed share Redis
	if cfg.Redis.Enabled {
		tracker, err := presence.NewTracker(cfg.Redis.URL, cfg.Redis.PresenceTTL)
		if err != nil {
			app.closeStorage()
			return nil, fmt.Errorf("failed to initialize presence: %w", err)
		}
		app.presence = tracker

		if app.dbManager != nil {
			feed, err := changefeed.New(cfg.Redis.URL, cfg.Redis.Channel)
			if err != nil {
				app.closeStorage()
				return nil, fmt.Errorf("failed to initialize change feed: %w", err)
			}
			app.feed = feed
			app.dbManager.SetPublisher(feed)
		}
	}

	// STEP 3: Engine
	app.engine = engine.New(app.store, engine.Options{
		RetryAttempts:     cfg.Engine.RetryAttempts,
		RetryBackoff:      cfg.Engine.RetryBackoff,
		ReconcileInterval: cfg.Engine.ReconcileInterval,
		HubBuffer:         cfg.Engine.HubBuffer,
		Presence:          app.presence,
	})

	// STEP 4: Connection registry and WebSocket gateway
	app.registry = websocket.NewRegistry()
	wsHandler := websocket.NewHandler(app.engine, app.registry, websocket.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	})

	// STEP 5: HTTP API with the WebSocket endpoint mounted on the same router
	app.apiServer = api.NewServer(app.engine, app.registry, api.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		MessageRateLimit: cfg.Engine.MessageRateLimit,
	})
	app.apiServer.Router().HandleFunc("/ws", wsHandler.HandleWebSocket).Methods("GET")

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start starts the engine, joins the change feed and begins serving HTTP.
// It returns once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting StudyBuddy on %s", app.httpServer.Addr)

	// STEP 1: Engine (hub loop and reconciler)
	if err := app.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// STEP 2: Remote changes from other processes
	if app.feed != nil {
		stop, err := app.feed.Subscribe(ctx, app.dbManager.RemoteChange)
		if err != nil {
			_ = app.engine.Stop()
			return fmt.Errorf("failed to subscribe to change feed: %w", err)
		}
		app.stopFeed = stop
	}

	// STEP 3: HTTP
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("HTTP server error: %w", err)
	}
	app.listener = listener
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Printf("StudyBuddy started on %s", listener.Addr())
	return nil
}

// Stop shuts down in reverse order: HTTP → Feed → Engine → Redis → Store
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down StudyBuddy")

	if app.listener != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}
	app.stopBackground()
	app.closeStorage()

	log.Printf("StudyBuddy shutdown complete")
	return nil
}

func (app *Application) stopBackground() {
	if app.stopFeed != nil {
		if err := app.stopFeed(); err != nil {
			log.Printf("Change feed shutdown error: %v", err)
		}
		app.stopFeed = nil
	}
	if err := app.engine.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		log.Printf("Engine shutdown error: %v", err)
	}
}

func (app *Application) closeStorage() {
	if app.feed != nil {
		if err := app.feed.Close(); err != nil {
			log.Printf("Change feed close error: %v", err)
		}
	}
	if app.presence != nil {
		if err := app.presence.Close(); err != nil {
			log.Printf("Presence close error: %v", err)
		}
	}
	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}
}

// GetAddr returns the bound address once started, the configured one before.
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Engine exposes the engine for embedding and tests.
func (app *Application) Engine() *engine.Engine {
	return app.engine
}

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 30 * time.Second
