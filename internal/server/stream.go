package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/handler"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultKeepalive = 15 * time.Second

// Feed hands out live subscriptions to decoded messages.
type Feed interface {
	Subscribe(source broadcaster.Source) *broadcaster.Subscriber
	Unsubscribe(subscriber *broadcaster.Subscriber)
}

// StreamServer serves each source as server-sent events: recent history
// first, then live messages, with the sequence number as the event id.
type StreamServer struct {
	logger          *zap.Logger
	sourceValidator *handler.SourceValidator
	feed            Feed
	keepalive       time.Duration
}

func NewStreamServer(
	logger *zap.Logger,
	sourceValidator *handler.SourceValidator,
	feed Feed,
	keepalive time.Duration,
) *StreamServer {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}

	return &StreamServer{
		logger,
		sourceValidator,
		feed,
		keepalive,
	}
}

func (s *StreamServer) Register(router *mux.Router) {
	router.HandleFunc("/{source}/stream", s.stream).Methods(http.MethodGet)
}

func (s *StreamServer) stream(w http.ResponseWriter, r *http.Request) {
	source, err := s.sourceValidator.Validate(mux.Vars(r)["source"])
	if err != nil {
		writeError(s.logger, w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(s.logger, w, ierr.New(ierr.ErrorCodeInternal, errors.New("streaming unsupported")))
		return
	}

	// Replayed messages up to the client's last seen sequence are skipped.
	lastSeq, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)

	subscriber := s.feed.Subscribe(source)
	defer s.feed.Unsubscribe(subscriber)

	logger := s.logger.With(
		zap.String("source", string(source)),
		zap.String("subscriberId", subscriber.Id),
	)
	logger.Info("stream opened")
	defer logger.Info("stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "retry: 5000\n\n")

	for _, message := range subscriber.Replay() {
		if message.Seq <= lastSeq {
			continue
		}

		if err := writeEvent(w, message); err != nil {
			logger.Debug("failed to write replay", zap.Error(err))
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case message, ok := <-subscriber.C():
			if !ok {
				return
			}

			if err := writeEvent(w, message); err != nil {
				logger.Debug("failed to write message", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, message broadcaster.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: message\nid: %d\ndata: %s\n\n", message.Seq, data)

	return err
}
