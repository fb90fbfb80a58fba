package handler

import (
	"context"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/session"
)

type KillAllHandlerInterface interface {
	Handle(ctx context.Context) (session.KillAllResult, error)
}

type KillAllHandler struct {
	controller Controller
}

func NewKillAllHandler(controller Controller) *KillAllHandler {
	return &KillAllHandler{controller}
}

// Handle requires control of every source since it resets all of them.
func (h *KillAllHandler) Handle(ctx context.Context) (session.KillAllResult, error) {
	if err := requireControl(ctx, broadcaster.Sources...); err != nil {
		return session.KillAllResult{}, err
	}

	return h.controller.KillAll(ctx)
}
