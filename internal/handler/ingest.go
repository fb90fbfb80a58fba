package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/session"
)

const maxIngestLines = 1000

type IngestRequest struct {
	Source string   `json:"source"`
	Lines  []string `json:"lines"`
}

type IngestHandlerInterface interface {
	Handle(ctx context.Context, req IngestRequest) (session.IngestResult, error)
}

type IngestHandler struct {
	sourceValidator *SourceValidator
	controller      Controller
}

func NewIngestHandler(sourceValidator *SourceValidator, controller Controller) *IngestHandler {
	return &IngestHandler{
		sourceValidator,
		controller,
	}
}

func (h *IngestHandler) Handle(ctx context.Context, req IngestRequest) (session.IngestResult, error) {
	source, err := h.sourceValidator.Validate(req.Source)
	if err != nil {
		return session.IngestResult{}, err
	}

	if err := requirePublish(ctx, source); err != nil {
		return session.IngestResult{}, err
	}

	if len(req.Lines) == 0 {
		return session.IngestResult{}, ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("lines cannot be empty"))
	}

	if len(req.Lines) > maxIngestLines {
		return session.IngestResult{}, ierr.New(ierr.ErrorCodeInvalidArgument,
			fmt.Errorf("at most %d lines per request", maxIngestLines))
	}

	return h.controller.Ingest(source, req.Lines)
}
