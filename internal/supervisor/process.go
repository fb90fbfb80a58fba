package supervisor

import (
	"context"
	"io"

	"github.com/goevery/intercept/internal/broadcaster"
)

// Process is a running decode pipeline. Stdout yields the decoder output and
// reaches EOF once the process is gone. Wait is called exactly once.
type Process interface {
	Stdout() io.Reader
	Wait() error
	Terminate() error
	Kill() error
	Pid() int
}

type Launcher interface {
	Launch(source broadcaster.Source, cfg Config) (Process, error)
}

// Killer terminates decoder processes by command line pattern regardless of
// whether this server started them.
type Killer interface {
	KillAll(ctx context.Context, patterns []string) ([]string, error)
}

type Publisher interface {
	Publish(message broadcaster.Message) broadcaster.Message
}
