package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/goevery/intercept/internal/auth"
	"github.com/goevery/intercept/internal/config"
	"github.com/goevery/intercept/internal/handler"
	"github.com/goevery/intercept/internal/metrics"
	"github.com/goevery/intercept/internal/persistence"
	"github.com/goevery/intercept/internal/persistence/file"
	"github.com/goevery/intercept/internal/persistence/mongodb"
	"github.com/goevery/intercept/internal/server"
	"github.com/goevery/intercept/internal/session"
	"github.com/goevery/intercept/internal/supervisor"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	session         *session.Session
	mongoClient     *mongo.Client
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
	streamServer    *server.StreamServer
}

func NewApp(ctx context.Context, logger *zap.Logger, settings Settings) (*App, error) {
	cfg, err := config.Load(settings.ConfigFile)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var mongoClient *mongo.Client
	openEngine := func(path string) persistence.Engine {
		return file.NewEngine(path)
	}

	if settings.MongoURI != "" {
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			return nil, fmt.Errorf("failed to ping mongodb: %w", err)
		}

		openEngine = func(string) persistence.Engine {
			return mongodb.NewPersistenceEngine(mongoClient, settings.MongoDatabase)
		}
	}

	launcher := supervisor.NewExecLauncher(logger, supervisor.Tools{
		Tuner:        cfg.Pager.Tuner,
		PagerDecoder: cfg.Pager.Decoder,
		SensorTool:   cfg.Sensor.Decoder,
		SampleRate:   cfg.Pager.SampleRate,
		LineBuffered: cfg.Pager.LineBuffered,
	})
	killer := supervisor.NewPkillKiller(logger)

	s := session.New(logger, m, cfg, launcher, killer, openEngine, settings.LogFile)

	originChecker := server.NewOriginChecker(splitList(settings.AllowedOrigins))
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(settings.JWTSecret, splitList(settings.APIKeys))
	if !authenticator.Enabled() {
		logger.Warn("no JWT_SECRET or API_KEYS configured, control endpoints are open")
	}

	sourceValidator := handler.NewSourceValidator()

	heartbeatHandler := handler.NewHeartbeatHandler()
	statusHandler := handler.NewStatusHandler(s)
	subscribeHandler := handler.NewSubscribeHandler(sourceValidator)
	unsubscribeHandler := handler.NewUnsubscribeHandler(sourceValidator)

	router := server.NewRouter(
		logger,
		heartbeatHandler,
		statusHandler,
		subscribeHandler,
		unsubscribeHandler,
	)

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		s.Broadcaster(),
		router,
	)
	restServer := server.NewRESTServer(
		logger,
		server.ControlHandlers{
			Start:   handler.NewStartHandler(sourceValidator, s),
			Stop:    handler.NewStopHandler(sourceValidator, s),
			Restart: handler.NewRestartHandler(sourceValidator, s),
			Status:  statusHandler,
			Logging: handler.NewLoggingHandler(s),
			KillAll: handler.NewKillAllHandler(s),
			Ingest:  handler.NewIngestHandler(sourceValidator, s),
		},
		authenticator,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)
	streamServer := server.NewStreamServer(logger, sourceValidator, s.Broadcaster(), 0)

	return &App{
		logger,
		settings,
		s,
		mongoClient,
		websocketServer,
		restServer,
		streamServer,
	}, nil
}

func (a *App) setup(ctx context.Context) error {
	if a.settings.KillStaleOnStart {
		result, err := a.session.KillAll(ctx)
		if err != nil {
			a.logger.Warn("failed to kill stale processes", zap.Error(err))
		} else if len(result.Killed) > 0 {
			a.logger.Info("killed stale processes", zap.Strings("patterns", result.Killed))
		}
	}

	if a.settings.LogEnabled {
		if _, err := a.session.SetLogging(ctx, true, a.settings.LogFile); err != nil {
			return err
		}
	}

	a.startHttpServer(ctx)

	return nil
}

func (a *App) startHttpServer(ctx context.Context) {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter()
	if basePath := strings.TrimSuffix(a.settings.BasePath, "/"); basePath != "" {
		router = router.PathPrefix(basePath).Subrouter()
	}

	a.websocketServer.Register(router)
	a.restServer.Register(router)
	a.streamServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-notifyCtx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	a.websocketServer.Close()

	if err := a.session.Close(shutdownCtx); err != nil {
		a.logger.Error("session shutdown failed", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown failed",
			zap.Error(err))
	}

	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(shutdownCtx); err != nil {
			a.logger.Error("mongodb disconnect failed", zap.Error(err))
		}
	}

	a.logger.Info("http server stopped")
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		panic(fmt.Sprintf("failed to parse settings from environment: %v", err))
	}

	logger, err := buildZapLogger(settings.LogEncoding, settings.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()

	app, err := NewApp(ctx, logger, settings)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	err = app.setup(ctx)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}
}
