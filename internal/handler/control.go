package handler

import (
	"context"

	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/supervisor"
)

type StartRequest struct {
	Source string `json:"source"`
	ReceiverRequest
}

type StopRequest struct {
	Source string `json:"source"`
}

type RestartRequest StartRequest

type ControlResponse struct {
	Success bool             `json:"success"`
	Reason  ierr.ErrorCode   `json:"reason,omitempty"`
	State   supervisor.State `json:"state"`
}

type StartHandlerInterface interface {
	Handle(ctx context.Context, req StartRequest) (ControlResponse, error)
}

type StopHandlerInterface interface {
	Handle(ctx context.Context, req StopRequest) (ControlResponse, error)
}

type RestartHandlerInterface interface {
	Handle(ctx context.Context, req RestartRequest) (ControlResponse, error)
}

type StartHandler struct {
	sourceValidator *SourceValidator
	controller      Controller
}

func NewStartHandler(sourceValidator *SourceValidator, controller Controller) *StartHandler {
	return &StartHandler{
		sourceValidator,
		controller,
	}
}

func (h *StartHandler) Handle(ctx context.Context, req StartRequest) (ControlResponse, error) {
	source, err := h.sourceValidator.Validate(req.Source)
	if err != nil {
		return ControlResponse{}, err
	}

	if err := requireControl(ctx, source); err != nil {
		return ControlResponse{}, err
	}

	cfg, err := req.Config()
	if err != nil {
		return ControlResponse{}, err
	}

	state, err := h.controller.Start(source, cfg)
	if err != nil {
		return ControlResponse{}, err
	}

	return ControlResponse{
		Success: true,
		State:   state,
	}, nil
}

type StopHandler struct {
	sourceValidator *SourceValidator
	controller      Controller
}

func NewStopHandler(sourceValidator *SourceValidator, controller Controller) *StopHandler {
	return &StopHandler{
		sourceValidator,
		controller,
	}
}

// Handle succeeds on an idle pipeline and reports NotRunning as the reason.
func (h *StopHandler) Handle(ctx context.Context, req StopRequest) (ControlResponse, error) {
	source, err := h.sourceValidator.Validate(req.Source)
	if err != nil {
		return ControlResponse{}, err
	}

	if err := requireControl(ctx, source); err != nil {
		return ControlResponse{}, err
	}

	state, stopped, err := h.controller.Stop(source)
	if err != nil {
		return ControlResponse{}, err
	}

	response := ControlResponse{
		Success: true,
		State:   state,
	}
	if !stopped {
		response.Reason = ierr.ErrorCodeNotRunning
	}

	return response, nil
}

type RestartHandler struct {
	sourceValidator *SourceValidator
	controller      Controller
}

func NewRestartHandler(sourceValidator *SourceValidator, controller Controller) *RestartHandler {
	return &RestartHandler{
		sourceValidator,
		controller,
	}
}

func (h *RestartHandler) Handle(ctx context.Context, req RestartRequest) (ControlResponse, error) {
	source, err := h.sourceValidator.Validate(req.Source)
	if err != nil {
		return ControlResponse{}, err
	}

	if err := requireControl(ctx, source); err != nil {
		return ControlResponse{}, err
	}

	cfg, err := req.Config()
	if err != nil {
		return ControlResponse{}, err
	}

	state, err := h.controller.Restart(source, cfg)
	if err != nil {
		return ControlResponse{}, err
	}

	return ControlResponse{
		Success: true,
		State:   state,
	}, nil
}
