package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"campus-realtime/internal/calls"
	"campus-realtime/internal/config"
	"campus-realtime/internal/db"
	"campus-realtime/internal/groups"
	grpcclient "campus-realtime/internal/grpc"
	"campus-realtime/internal/handlers"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/messaging"
	"campus-realtime/internal/middleware"
	"campus-realtime/internal/notify"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/rabbitmq"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/security"
	"campus-realtime/internal/supervisor"
	"campus-realtime/internal/telemetry"
	"campus-realtime/internal/ws"
)

type stores struct {
	identities    repositories.IdentityRepository
	groups        repositories.GroupRepository
	messages      repositories.MessageRepository
	calls         repositories.CallRepository
	notifications repositories.NotificationRepository
	close         func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logging.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	st, err := openStores(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	logging.Info().Str("mode", rabbitmq.PublisherMode(publisher)).Str("reason", rabbitmq.PublisherNoopReason(publisher)).Msg("event publisher ready")
	emitter := telemetry.NewEmitter(publisher, cfg.AMQP.AuditKey, cfg.AMQP.EventsKey, cfg.AMQP.ServiceTag, cfg.Server.Environment)

	auth, closeAuth, err := newAuthenticator(cfg.Auth, st.identities)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to set up authentication")
	}
	defer closeAuth()

	hub := ws.NewHub(st.identities, emitter)
	orchestrator := notify.NewOrchestrator(st.notifications, st.identities, st.groups, hub, hub, notifyOptions(cfg), emitter, cfg.Notifications)
	registry := groups.NewRegistry(st.groups, st.identities, hub, orchestrator, emitter)
	auth = groups.WithDefaultGroups(auth, registry)
	rt := handlers.Realtime{
		Groups:        registry,
		Messages:      messaging.NewEngine(st.messages, st.identities, registry, hub, orchestrator, emitter),
		Calls:         calls.NewEngine(st.calls, st.identities, registry, hub, orchestrator, emitter, calls.ICEServers(cfg.WebRTC)),
		Notifications: orchestrator,
	}

	events := ws.NewRouter()
	handlers.RegisterEvents(events, rt)

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.Tracing.ServiceName), middleware.RequestID(), observability.HTTPMetricsMiddleware())
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", ws.NewSocketHandler(hub, events, auth, emitter, cfg.Websocket).Handle)

	api := router.Group("/", middleware.AuthMiddleware(auth))
	handlers.NewGroupHandler(registry, rt.Messages, emitter).Register(api)
	handlers.NewCallHandler(rt.Calls).Register(api)
	handlers.NewNotificationHandler(orchestrator, emitter).Register(api)
	handlers.RegisterDebugRoutes(router, emitter, hub, events, cfg.Server.DebugRoutes)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New(cfg.Server.ShutdownTimeout)
	tree.AddAPI(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout, hub.Shutdown))
	tree.AddBackground(notify.NewDueDispatcher(orchestrator, cfg.Notifications.SchedulerInterval))
	tree.AddBackground(notify.NewExpirySweeper(orchestrator, cfg.Notifications.SweepInterval))

	logging.Info().Int("port", cfg.Server.Port).Str("db", cfg.Database.Driver).Str("auth", cfg.Auth.Mode).Strs("events", events.Events()).Msg("campus realtime starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor stopped")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("services", len(report)).Msg("services did not stop in time")
	}
	logging.Info().Msg("shutdown complete")
}

func openStores(ctx context.Context, cfg config.DatabaseConfig) (*stores, error) {
	if cfg.Driver == "memory" {
		logging.Warn().Msg("using in-memory store, data is lost on restart")
		return &stores{
			identities:    repositories.NewMemoryIdentityRepo(),
			groups:        repositories.NewMemoryGroupRepo(),
			messages:      repositories.NewMemoryMessageRepo(),
			calls:         repositories.NewMemoryCallRepo(),
			notifications: repositories.NewMemoryNotificationRepo(),
			close:         func() error { return nil },
		}, nil
	}

	database, err := db.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &stores{
		identities:    repositories.NewIdentityRepo(database),
		groups:        repositories.NewGroupRepo(database),
		messages:      repositories.NewMessageRepo(database),
		calls:         repositories.NewCallRepo(database),
		notifications: repositories.NewNotificationRepo(database),
		close:         database.Close,
	}, nil
}

func newAuthenticator(cfg config.AuthConfig, identities repositories.IdentityRepository) (security.Authenticator, func(), error) {
	if cfg.Mode == "grpc" {
		conn, err := grpcclient.Dial(cfg.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial auth service: %w", err)
		}
		return grpcclient.NewAuthClient(conn, identities, cfg.Timeout), func() { _ = conn.Close() }, nil
	}
	tokens := security.NewTokenService(cfg.JWTSecret, 24*time.Hour)
	return security.NewJWTAuthenticator(tokens, identities), func() {}, nil
}

// notifyOptions only sets the channels that are enabled so a disabled
// channel stays a nil interface.
func notifyOptions(cfg *config.Config) notify.Options {
	var opts notify.Options
	if cfg.Push.Enabled {
		opts.Push = notify.NewWebPush(cfg.Push)
	}
	if cfg.Email.Enabled {
		opts.Email = notify.NewSMTPMailer(cfg.Email)
	}
	return opts
}
