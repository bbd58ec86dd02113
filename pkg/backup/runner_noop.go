package backup

import "context"

// NoopRunner logs commands but does not execute anything. Used by dry runs;
// every command reports success with empty output.
type NoopRunner struct{}

func NewNoopRunner() *NoopRunner { return &NoopRunner{} }

func (n *NoopRunner) Run(_ context.Context, cmd Command) (Result, error) {
	logger := componentLogger("exec")
	logger.Info().Str("command", cmd.String()).Msg("NOOP")
	return Result{}, nil
}
