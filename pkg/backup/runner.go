package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Command is a single external program invocation. Arguments are passed to
// the program verbatim; no shell is involved.
type Command struct {
	Name string
	Args []string
	// Stdin, when set, is streamed to the process.
	Stdin io.Reader
	// Stdout, when set, receives stdout as it is produced in addition to
	// the copy kept in Result.Stdout.
	Stdout io.Writer
}

func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// String renders the command for logs, quoting arguments like a shell would.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, ShellQuote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Output returns trimmed stdout.
func (r Result) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// Executor runs external commands. The engine never shells out directly so
// tests can script every interaction with the host.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// CommandError is returned when a command exits non-zero or cannot start.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCodeOf returns the exit code carried by a *CommandError in err's
// chain, or -1.
func ExitCodeOf(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

// ExecRunner runs commands with os/exec. A cancelled context sends SIGTERM
// and waits briefly before the process is killed.
type ExecRunner struct {
	WaitDelay time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 10 * time.Second}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	logger := componentLogger("exec")
	logger.Debug().Str("command", c.Name).Strs("args", c.Args).Msg("Executing command")

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.WaitDelay
	cmd.Stdin = c.Stdin

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Stdout)
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if stderr.Len() > 0 {
		logger.Trace().Str("command", c.Name).Str("stderr", strings.TrimSpace(stderr.String())).Msg("Command output")
	}
	if err != nil {
		logger.Error().Err(err).Str("command", c.String()).Int("exit_code", res.ExitCode).Msg("Command failed")
		return res, &CommandError{
			Command:  c.String(),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return res, nil
}

// ValidatePath rejects paths that cannot be handed safely to external tools
// or written into sfdisk scripts and fstab: relative paths, NUL or newline
// characters, and components that would be parsed as options.
func ValidatePath(p string) error {
	if p == "" {
		return New(ErrInvalidInput, "path is empty")
	}
	if strings.ContainsAny(p, "\x00\n\r") {
		return Newf(ErrInvalidInput, "path %q contains control characters", p)
	}
	if !filepath.IsAbs(p) {
		return Newf(ErrInvalidInput, "path %q is not absolute", p)
	}
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, "-") {
			return Newf(ErrInvalidInput, "path %q has a component starting with '-'", p)
		}
	}
	return nil
}

// ShellQuote quotes s for display in logs. Strings made only of safe
// characters are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
