package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// PkillKiller sends SIGKILL to every process whose command line matches a
// pattern.
type PkillKiller struct {
	logger *zap.Logger
}

func NewPkillKiller(logger *zap.Logger) *PkillKiller {
	return &PkillKiller{logger: logger}
}

// KillAll returns the patterns that matched at least one process.
func (k *PkillKiller) KillAll(ctx context.Context, patterns []string) ([]string, error) {
	killed := []string{}

	for _, pattern := range patterns {
		err := exec.CommandContext(ctx, "pkill", "-KILL", "-f", pattern).Run()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			killed = append(killed, pattern)
			k.logger.Info("killed processes", zap.String("pattern", pattern))
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
			// nothing matched
		default:
			return killed, fmt.Errorf("pkill %s: %w", pattern, err)
		}
	}

	return killed, nil
}
