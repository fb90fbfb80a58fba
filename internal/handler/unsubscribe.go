package handler

import (
	"context"
	"errors"
)

type UnsubscribeRequest struct {
	Source string `json:"source"`
}

type UnsubscribeResponse struct {
	Success bool `json:"success"`
}

type UnsubscribeHandlerInterface interface {
	Handle(ctx context.Context, req UnsubscribeRequest) (UnsubscribeResponse, error)
}

type UnsubscribeHandler struct {
	sourceValidator *SourceValidator
}

func NewUnsubscribeHandler(sourceValidator *SourceValidator) *UnsubscribeHandler {
	return &UnsubscribeHandler{
		sourceValidator,
	}
}

func (h *UnsubscribeHandler) Handle(ctx context.Context, req UnsubscribeRequest) (UnsubscribeResponse, error) {
	source, err := h.sourceValidator.Validate(req.Source)
	if err != nil {
		return UnsubscribeResponse{}, err
	}

	follower, ok := FollowerFromContext(ctx)
	if !ok {
		return UnsubscribeResponse{}, errors.New("connection not found in context")
	}

	return UnsubscribeResponse{
		Success: follower.Unfollow(source),
	}, nil
}
