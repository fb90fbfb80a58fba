package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goevery/intercept/internal/auth"
	"github.com/goevery/intercept/internal/config"
	"github.com/goevery/intercept/internal/handler"
	"github.com/goevery/intercept/internal/metrics"
	"github.com/goevery/intercept/internal/persistence"
	"github.com/goevery/intercept/internal/persistence/file"
	"github.com/goevery/intercept/internal/session"
	"github.com/goevery/intercept/internal/supervisor/fakeproc"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type killerStub struct{}

func (killerStub) KillAll(ctx context.Context, patterns []string) ([]string, error) {
	return []string{}, nil
}

type testApp struct {
	server   *httptest.Server
	session  *session.Session
	launcher *fakeproc.Launcher
}

func newTestApp(t *testing.T, authenticator *auth.Authenticator) *testApp {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	registry := prometheus.NewRegistry()

	cfg := config.Default()
	cfg.Supervisor.StartupGrace = 20 * time.Millisecond
	cfg.Supervisor.StopTimeout = 200 * time.Millisecond

	launcher := &fakeproc.Launcher{}
	s := session.New(
		logger,
		metrics.New(registry),
		cfg,
		launcher,
		killerStub{},
		func(path string) persistence.Engine { return file.NewEngine(path) },
		filepath.Join(t.TempDir(), "decoded_messages.log"),
	)

	sourceValidator := handler.NewSourceValidator()

	restServer := NewRESTServer(logger, ControlHandlers{
		Start:   handler.NewStartHandler(sourceValidator, s),
		Stop:    handler.NewStopHandler(sourceValidator, s),
		Restart: handler.NewRestartHandler(sourceValidator, s),
		Status:  handler.NewStatusHandler(s),
		Logging: handler.NewLoggingHandler(s),
		KillAll: handler.NewKillAllHandler(s),
		Ingest:  handler.NewIngestHandler(sourceValidator, s),
	}, authenticator, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	router := NewRouter(
		logger,
		handler.NewHeartbeatHandler(),
		handler.NewStatusHandler(s),
		handler.NewSubscribeHandler(sourceValidator),
		handler.NewUnsubscribeHandler(sourceValidator),
	)
	wsServer := NewWebSocketServer(logger, &websocket.Upgrader{}, s.Broadcaster(), router)
	streamServer := NewStreamServer(logger, sourceValidator, s.Broadcaster(), 50*time.Millisecond)

	mainRouter := mux.NewRouter()
	restServer.Register(mainRouter)
	streamServer.Register(mainRouter)
	wsServer.Register(mainRouter)

	server := httptest.NewServer(mainRouter)

	t.Cleanup(func() {
		wsServer.Close()
		_ = s.Close(context.Background())
		server.Close()
	})

	return &testApp{
		server:   server,
		session:  s,
		launcher: launcher,
	}
}
