package handler

import (
	"context"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/session"
	"github.com/goevery/intercept/internal/supervisor"
)

// Controller is the session surface the handlers drive.
type Controller interface {
	Start(source broadcaster.Source, cfg supervisor.Config) (supervisor.State, error)
	Stop(source broadcaster.Source) (supervisor.State, bool, error)
	Restart(source broadcaster.Source, cfg supervisor.Config) (supervisor.State, error)
	Status() session.Status
	SetLogging(ctx context.Context, enabled bool, path string) (session.LoggingState, error)
	KillAll(ctx context.Context) (session.KillAllResult, error)
	Ingest(source broadcaster.Source, lines []string) (session.IngestResult, error)
}

var _ Controller = (*session.Session)(nil)
