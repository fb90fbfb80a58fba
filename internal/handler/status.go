package handler

import (
	"context"

	"github.com/goevery/intercept/internal/session"
)

type StatusHandlerInterface interface {
	Handle(ctx context.Context) session.Status
}

type StatusHandler struct {
	controller Controller
}

func NewStatusHandler(controller Controller) *StatusHandler {
	return &StatusHandler{controller}
}

func (h *StatusHandler) Handle(ctx context.Context) session.Status {
	return h.controller.Status()
}
