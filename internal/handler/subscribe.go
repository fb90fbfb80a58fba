package handler

import (
	"context"
	"errors"
	"time"
)

type SubscribeRequest struct {
	Source string `json:"source"`
}

type SubscribeResponse struct {
	SubscriptionId string    `json:"subscriptionId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type SubscribeHandlerInterface interface {
	Handle(ctx context.Context, req SubscribeRequest) (SubscribeResponse, error)
}

type SubscribeHandler struct {
	sourceValidator *SourceValidator
}

func NewSubscribeHandler(sourceValidator *SourceValidator) *SubscribeHandler {
	return &SubscribeHandler{
		sourceValidator,
	}
}

func (h *SubscribeHandler) Handle(ctx context.Context, req SubscribeRequest) (SubscribeResponse, error) {
	source, err := h.sourceValidator.Validate(req.Source)
	if err != nil {
		return SubscribeResponse{}, err
	}

	follower, ok := FollowerFromContext(ctx)
	if !ok {
		return SubscribeResponse{}, errors.New("connection not found in context")
	}

	subscriptionId, err := follower.Follow(source)
	if err != nil {
		return SubscribeResponse{}, err
	}

	return SubscribeResponse{
		SubscriptionId: subscriptionId,
		Timestamp:      time.Now(),
	}, nil
}
