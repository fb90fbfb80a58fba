package persistence

import (
	"context"

	"github.com/goevery/intercept/internal/broadcaster"
)

// Engine is a durable, append-only destination for decoded messages.
type Engine interface {
	Setup(ctx context.Context) error
	Save(ctx context.Context, message broadcaster.Message) error
	Close(ctx context.Context) error
	// Describe names the destination, e.g. the file path.
	Describe() string
}
