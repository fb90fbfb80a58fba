package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goevery/intercept/internal/auth"
	"github.com/goevery/intercept/internal/handler"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type ControlHandlers struct {
	Start   handler.StartHandlerInterface
	Stop    handler.StopHandlerInterface
	Restart handler.RestartHandlerInterface
	Status  handler.StatusHandlerInterface
	Logging handler.LoggingHandlerInterface
	KillAll handler.KillAllHandlerInterface
	Ingest  handler.IngestHandlerInterface
}

type RESTServer struct {
	logger *zap.Logger

	handlers       ControlHandlers
	authenticator  *auth.Authenticator
	metricsHandler http.Handler
}

func NewRESTServer(
	logger *zap.Logger,
	handlers ControlHandlers,
	authenticator *auth.Authenticator,
	metricsHandler http.Handler,
) *RESTServer {
	return &RESTServer{
		logger,
		handlers,
		authenticator,
		metricsHandler,
	}
}

func (s *RESTServer) Register(router *mux.Router) {
	router.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	router.Handle("/status", s.cors(http.HandlerFunc(s.status))).Methods(http.MethodGet, http.MethodOptions)

	s.control(router, "/logging", s.logging)
	s.control(router, "/killall", s.killAll)
	s.control(router, "/{source}/start", s.start)
	s.control(router, "/{source}/stop", s.stop)
	s.control(router, "/{source}/restart", s.restart)
	s.control(router, "/{source}/ingest", s.ingest)
}

func (s *RESTServer) control(router *mux.Router, path string, fn http.HandlerFunc) {
	router.Handle(path, s.cors(s.authenticate(fn))).Methods(http.MethodPost, http.MethodOptions)
}

func (s *RESTServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *RESTServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authentication, err := s.authenticator.AuthenticateBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(s.logger, w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithAuthentication(r.Context(), authentication)))
	})
}

func (s *RESTServer) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, s.handlers.Status.Handle(r.Context()))
}

func (s *RESTServer) start(w http.ResponseWriter, r *http.Request) {
	var req handler.StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	req.Source = mux.Vars(r)["source"]

	response, err := s.handlers.Start.Handle(r.Context(), req)
	s.reply(w, "start", response, err)
}

func (s *RESTServer) stop(w http.ResponseWriter, r *http.Request) {
	req := handler.StopRequest{Source: mux.Vars(r)["source"]}

	response, err := s.handlers.Stop.Handle(r.Context(), req)
	s.reply(w, "stop", response, err)
}

func (s *RESTServer) restart(w http.ResponseWriter, r *http.Request) {
	var req handler.RestartRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	req.Source = mux.Vars(r)["source"]

	response, err := s.handlers.Restart.Handle(r.Context(), req)
	s.reply(w, "restart", response, err)
}

func (s *RESTServer) ingest(w http.ResponseWriter, r *http.Request) {
	var req handler.IngestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}
	req.Source = mux.Vars(r)["source"]

	response, err := s.handlers.Ingest.Handle(r.Context(), req)
	s.reply(w, "ingest", response, err)
}

func (s *RESTServer) logging(w http.ResponseWriter, r *http.Request) {
	var req handler.LoggingRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(s.logger, w, err)
		return
	}

	response, err := s.handlers.Logging.Handle(r.Context(), req)
	s.reply(w, "logging", response, err)
}

func (s *RESTServer) killAll(w http.ResponseWriter, r *http.Request) {
	response, err := s.handlers.KillAll.Handle(r.Context())
	s.reply(w, "killall", response, err)
}

func (s *RESTServer) reply(w http.ResponseWriter, operation string, response any, err error) {
	if err != nil {
		s.logger.Info("control request failed",
			zap.String("operation", operation),
			zap.String("code", string(ierr.CodeOf(err))),
			zap.Error(err))

		writeError(s.logger, w, err)
		return
	}

	writeJSON(s.logger, w, http.StatusOK, response)
}

// decodeBody reads an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}

	return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid request body: "+err.Error()))
}
