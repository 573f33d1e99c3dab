package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"coursechat/internal/api"
	"coursechat/internal/auth"
	"coursechat/internal/config"
	"coursechat/internal/gateway"
	"coursechat/internal/membership"
	"coursechat/internal/presence"
	"coursechat/internal/store"
	pkgdatabase "coursechat/pkg/database"
)

// Application wires all components together and owns their lifecycle.
// Initialization follows dependency order:
// Store → Auth → Membership → Presence → Gateway → API → HTTP.
type Application struct {
	config    *config.Config
	store     *store.Store
	registry  *presence.Registry
	gateway   *gateway.Gateway
	apiServer *api.Server
	httpServer *http.Server
}

func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}

	st, err := store.New(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	validator := pkgdatabase.NewSchemaValidator(st.DB())
	if err := validator.ValidateTablesExist(); err != nil {
		st.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	if cfg.Database.SeedFile != "" {
		if err := st.Seed(context.Background(), cfg.Database.SeedFile); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to seed database: %w", err)
		}
		log.Printf("Seed data loaded file=%s", cfg.Database.SeedFile)
	}

	resolver := auth.NewResolver(cfg.Auth.TokenSecret, st)
	authority := membership.NewAuthority(st)
	registry := presence.NewRegistry()

	gw := gateway.New(resolver, authority, st, registry, gateway.Options{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		SendBuffer:   cfg.WebSocket.SendBuffer,
		RateLimit:    cfg.Chat.RateLimit,
		RateWindow:   cfg.Chat.RateWindow,
	})

	apiServer := api.NewServer(resolver, authority, st, st, registry, cfg.Chat.PageSize)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", gw.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		store:      st,
		registry:   registry,
		gateway:    gw,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start launches the HTTP server and confirms it came up.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting coursechat on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("coursechat started successfully")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the system down in reverse dependency order:
// HTTP → Gateway connections → Store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down coursechat")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.gateway.Shutdown()

	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("coursechat shutdown complete")
	return nil
}

// GetAddr returns the listen address.
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
