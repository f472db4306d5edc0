package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"huddle/internal/api"
	"huddle/internal/config"
	"huddle/internal/hub"
	"huddle/internal/journal"
	"huddle/internal/logger"
	"huddle/internal/message"
	"huddle/internal/metrics"
	"huddle/internal/presence"
	"huddle/internal/router"
	"huddle/internal/session"
	"huddle/internal/signaling"
	"huddle/internal/store"
	"huddle/internal/websocket"
	"huddle/pkg/interfaces"
)

// Application coordinates all system components.
type Application struct {
	config     *config.Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	store      interfaces.MessageStore
	registry   *websocket.Registry
	router     *router.Router
	journal    journal.Journal
	mirror     *presence.RedisMirror
	presence   *presence.Tracker
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener
}

// NewApplication builds every component in dependency order:
// Store → Registry → Router → Journal → Presence → Messages → Relay → Hub → HTTP.
// Anything opened before a failure is closed again.
func NewApplication(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log = logger.Or(log)

	if cfg.Auth.PasscodeDefaulted {
		log.Warn("default_passcode_in_use", zap.String("hint", "set SECRET_CODE"))
	}

	m := metrics.New()

	// STEP 1: document store (foundation layer)
	messageStore, err := store.Open(ctx, cfg.Store.URI, store.Options{
		Timeout:       cfg.Store.Timeout,
		SweepInterval: cfg.Store.SweepInterval,
		Database:      cfg.Store.Database,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// STEP 2: connection registry and room router
	registry := websocket.NewRegistry()
	messageRouter := router.NewRouter(registry, messageStore, router.Options{
		HistoryLimit:    cfg.Store.HistoryLimit,
		EventsPerSecond: cfg.Limits.EventsPerSecond,
		Burst:           cfg.Limits.Burst,
	}, log)

	// STEP 3: optional outbound integrations
	var j journal.Journal = journal.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kj, err := journal.NewKafkaJournal(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			messageStore.Close()
			return nil, fmt.Errorf("failed to start journal: %w", err)
		}
		j = kj
	}

	var mirror *presence.RedisMirror
	var trackerMirror presence.Mirror
	if cfg.Redis.Addr != "" {
		mirror, err = presence.NewRedisMirror(ctx, cfg.Redis.Addr, cfg.Redis.Key, log)
		if err != nil {
			j.Close()
			messageStore.Close()
			return nil, fmt.Errorf("failed to start presence mirror: %w", err)
		}
		trackerMirror = mirror
	}

	// STEP 4: domain components
	tracker := presence.NewTracker(messageRouter, trackerMirror, m, log)
	messages := message.NewManager(messageStore, messageRouter, j, m, message.Options{
		Retention:    cfg.Store.Retention,
		StoreTimeout: cfg.Store.Timeout,
	}, log)

	messageHub := hub.NewHub(hub.Deps{
		Registry: registry,
		Gate:     session.NewGate(cfg.Auth.Passcode),
		Router:   messageRouter,
		Messages: messages,
		Presence: tracker,
		Relay:    signaling.New(messageRouter),
		Metrics:  m,
		Logger:   log,
	})

	// STEP 5: transport and HTTP surface
	wsHandler := websocket.NewHandler(registry, messageHub, websocket.Options{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		BufferSize:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, log)

	apiServer := api.NewServer(messageStore, messageRouter, tracker, api.Handlers{
		WebSocket: http.HandlerFunc(wsHandler.HandleWebSocket),
		Metrics:   m.Handler(),
	}, log)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, fmt.Sprint(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		log:        log,
		metrics:    m,
		store:      messageStore,
		registry:   registry,
		router:     messageRouter,
		journal:    j,
		mirror:     mirror,
		presence:   tracker,
		hub:        messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start runs the hub and begins serving. The listener is bound before Start
// returns, so a port conflict is reported here.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error("http_server_failed", zap.Error(err))
		}
	}()

	app.log.Info("huddle_started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts down in reverse dependency order: HTTP → Hub → Journal/Mirror → Store.
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("huddle_stopping")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := app.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("journal shutdown: %w", err))
	}
	if app.mirror != nil {
		if err := app.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("presence mirror shutdown: %w", err))
		}
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store shutdown: %w", err))
	}

	app.log.Info("huddle_stopped")
	return errors.Join(errs...)
}

// Handler serves every route without binding a port.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Addr is the bound address once Start has run, the configured one before.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
