package handler

import (
	"context"

	"github.com/goevery/intercept/internal/session"
)

type LoggingRequest struct {
	Enabled bool   `json:"enabled"`
	LogFile string `json:"logFile"`
}

type LoggingHandlerInterface interface {
	Handle(ctx context.Context, req LoggingRequest) (session.LoggingState, error)
}

type LoggingHandler struct {
	controller Controller
}

func NewLoggingHandler(controller Controller) *LoggingHandler {
	return &LoggingHandler{controller}
}

func (h *LoggingHandler) Handle(ctx context.Context, req LoggingRequest) (session.LoggingState, error) {
	if err := requireControl(ctx); err != nil {
		return session.LoggingState{}, err
	}

	return h.controller.SetLogging(ctx, req.Enabled, req.LogFile)
}
