package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/aggregator"
	"github.com/dennisdiepolder/monti/omnichannel/internal/api"
	"github.com/dennisdiepolder/monti/omnichannel/internal/auth"
	"github.com/dennisdiepolder/monti/omnichannel/internal/broker"
	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/capacity"
	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/events"
	"github.com/dennisdiepolder/monti/omnichannel/internal/hooks"
	"github.com/dennisdiepolder/monti/omnichannel/internal/ingestion"
	"github.com/dennisdiepolder/monti/omnichannel/internal/mailer"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/queue"
	"github.com/dennisdiepolder/monti/omnichannel/internal/routing"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/verification"
	"github.com/dennisdiepolder/monti/omnichannel/internal/websocket"
	"github.com/dennisdiepolder/monti/omnichannel/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	aggregationInterval = time.Second
	staleCheckInterval  = 10 * time.Second
	codePurgeInterval   = time.Minute
)

// handlers groups the HTTP entry points served by the router
type handlers struct {
	queue        *queue.Handler
	verification *verification.Handler
	admin        *api.AdminHandler
	actions      *api.AgentActionsHandler
	roster       *api.RosterHandler
	history      *api.HistoryHandler
	dashboard    *websocket.Handler
	agents       *websocket.AgentHandler
}

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store_mode", cfg.StoreMode).
		Str("routing_method", string(cfg.Routing.Method)).
		Msg("starting omnichannel server")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.NewStore(ctx, cfg.StoreMode, cfg.SQLitePath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	defer store.Close()

	catalog := storage.NewCatalog()
	if cfg.DepartmentsFile != "" {
		if catalog, err = storage.LoadDepartments(cfg.DepartmentsFile); err != nil {
			log.Fatal().Err(err).Str("path", cfg.DepartmentsFile).Msg("failed to load departments")
		}
	}

	// Event fan-out: log, dashboard cache and (optionally) the broker
	eventCache := cache.NewEventCache()
	notifier := events.NewNotifier(events.DefaultTimeout, log.Logger,
		events.NewLogPublisher(log.Logger), eventCache)

	var codeMailer mailer.Mailer = mailer.NewLogMailer(log.Logger)
	if cfg.AMQPURL != "" {
		pub, err := broker.Dial(ctx, broker.ConnectionOptions{
			URL:           cfg.AMQPURL,
			Exchange:      cfg.AMQPExchange,
			Producer:      "omnichannel",
			RetryAttempts: 5,
			Delay:         time.Second,
		}, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to broker")
		}
		defer pub.Close()

		notifier.AddPublisher(events.NewBrokerPublisher(pub))
		codeMailer = mailer.NewAMQPMailer(pub, cfg.AMQPMailRouteKey, log.Logger)
	}

	svc, err := wire(cfg, store, catalog, eventCache, notifier, codeMailer, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire services")
	}

	go svc.agentHub.Run()
	go svc.hub.Run()
	if svc.worker != nil {
		go svc.worker.Start(ctx)
	}
	go svc.machine.StartPurge(ctx, codePurgeInterval)
	go svc.aggregator.Start(ctx, aggregationInterval)
	go watchStaleAgents(ctx, svc.tracker, staleCheckInterval)

	r := newRouter(cfg, svc.handlers)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Stop workers, then let in-flight deliveries finish
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	svc.hooks.Wait()
	notifier.Wait()

	log.Info().Msg("server stopped")
}

// services holds the wired components main runs in the background
type services struct {
	tracker    *cache.AgentStateTracker
	agentHub   *websocket.AgentHub
	hub        *websocket.Hub
	hooks      *hooks.Registry
	queue      *queue.Manager
	worker     *queue.Worker // nil with manual routing
	machine    *verification.Machine
	aggregator *aggregator.Aggregator
	handlers   handlers
}

// wire builds agent state, routing, queueing, verification and the HTTP handlers
func wire(cfg *config.Config, store storage.Store, catalog *storage.Catalog, eventCache *cache.EventCache, notifier *events.Notifier, codeMailer mailer.Mailer, logger zerolog.Logger) (*services, error) {
	svc := &services{}

	// Agent state
	svc.tracker = cache.NewAgentStateTracker()
	processor := ingestion.NewDefaultProcessor(svc.tracker, logger)
	processor.SetDefaultMaxChats(cfg.Routing.DefaultMaxChats)

	svc.agentHub = websocket.NewAgentHub(svc.tracker, processor, logger)
	svc.hub = websocket.NewHub(logger)

	// Routing
	strategy, err := routing.StrategyByName(cfg.Routing.Strategy)
	if err != nil {
		return nil, err
	}
	svc.hooks = hooks.NewRegistry(logger)
	router := routing.NewManager(store, svc.tracker, strategy, routing.Options{
		AcceptChatsWithNoAgents:           cfg.Routing.AcceptChatsWithNoAgents,
		PreferredAgentOverridesDepartment: cfg.Routing.PreferredAgentOverridesDepartment,
	}, logger)
	router.SetAgentSender(svc.agentHub)
	router.SetNotifier(notifier)
	router.SetHooks(svc.hooks)

	resolver := routing.NewDepartmentResolver(catalog, svc.tracker, cfg.Routing.MaxFallbackDepth, logger)
	limiter := capacity.NewLimiter(capacity.NewMACLimiter(cfg.MACLimit, store), store, logger)

	// Queue
	svc.queue = queue.NewManager(queue.Deps{
		Store:    store,
		Routing:  router,
		Resolver: resolver,
		Capacity: limiter,
		Notifier: notifier,
		Hooks:    svc.hooks,
	}, queue.OptionsFromConfig(cfg.Routing), logger)
	processor.SetRoomCloser(svc.queue)

	var drainer api.Drainer
	if cfg.Routing.Method == config.RoutingAuto {
		svc.worker = queue.NewWorker(svc.queue, cfg.Routing.DrainInterval, logger)
		drainer = svc.worker
	}

	// Verification
	validator := verification.NewDomainValidator(cfg.Verification.BlockedDomains, cfg.Verification.CheckMX, nil)
	svc.machine = verification.NewMachine(store, svc.queue, codeMailer, validator, notifier,
		verification.OptionsFromConfig(cfg.Verification), logger)

	// Dashboards
	svc.aggregator = aggregator.NewAggregator(store, catalog, eventCache, svc.tracker, svc.hub, logger)
	svc.aggregator.SetServiceLevel(cfg.Routing.ServiceLevelTarget, cfg.Routing.ServiceLevelThreshold)

	svc.handlers = handlers{
		queue:        queue.NewHandler(svc.queue, logger),
		verification: verification.NewHandler(svc.machine, logger),
		admin:        api.NewAdminHandler(svc.tracker, catalog, drainer, logger),
		actions:      api.NewAgentActionsHandler(svc.agentHub, svc.tracker, svc.queue, router, logger),
		roster:       api.NewRosterHandler(svc.tracker, catalog, logger),
		history:      api.NewHistoryHandler(store, store, cfg.MACLimit, logger),
		dashboard:    websocket.NewHandler(svc.hub, cfg, logger),
		agents:       websocket.NewAgentHandler(svc.agentHub, cfg.AgentGatewayToken, logger),
	}
	return svc, nil
}

// newRouter mounts every HTTP route
func newRouter(cfg *config.Config, h handlers) chi.Router {
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", metrics.Get().Handler())

	// Agent transport (no auth - agent desktops and channel gateways on the internal network)
	r.Get("/ws/agent", h.agents.ServeHTTP)
	r.Get("/ws/agents", h.agents.ServeMultiplexedHTTP)

	// Internal routes (no auth - roster sync)
	r.Route("/internal", func(r chi.Router) {
		r.Post("/agents/roster", h.roster.HandleRoster)
	})

	r.Route("/api", func(r chi.Router) {
		// Visitor facing routes, called by the chat widget
		h.queue.VisitorRoutes(r)
		h.verification.Routes(r)

		// Add auth middleware for protected routes
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)

			h.queue.AgentRoutes(r)
			r.Post("/rooms/{roomId}/transfer", h.actions.Transfer)
			r.Get("/departments/{departmentId}/rooms", h.history.GetDepartmentRooms)
			r.Get("/visitors/{token}/room", h.history.GetVisitorRoom)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireManagerOrAdmin)
				h.queue.ManagementRoutes(r)
				r.Post("/agents/{agentId}/logout", h.actions.Logout)
				r.Get("/contacts", h.history.GetContacts)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(api.RequireAdmin)
				h.admin.Routes(r)
			})
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/ws", h.dashboard.ServeHTTP)
	})

	return r
}

// watchStaleAgents marks agents without recent heartbeats as stale
func watchStaleAgents(ctx context.Context, tracker *cache.AgentStateTracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.CheckStaleAgents()
		}
	}
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"omnichannel"}`)
}
