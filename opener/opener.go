// Package opener hands local files to the operating system's default viewer.
package opener

import (
	"context"
	"runtime"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"
	"github.com/mattn/go-shellwords"
)

// Opener displays a local file.
type Opener interface {
	Open(ctx context.Context, path string) error
}

// Func adapts a function to the Opener interface.
type Func func(ctx context.Context, path string) error

// Open calls f.
func (f Func) Open(ctx context.Context, path string) error {
	return f(ctx, path)
}

// Nop is an Opener that does nothing.
var Nop Opener = Func(func(context.Context, string) error { return nil })

// System launches a viewer command for each file.
type System struct {
	executor exec.Executor
	command  []string
}

// Option configures a System opener.
type Option func(*System)

// WithExecutor overrides the command executor, mainly for tests.
func WithExecutor(e exec.Executor) Option {
	return func(s *System) {
		s.executor = e
	}
}

// WithCommand sets the viewer command line, split with shell quoting rules.
// The file path is appended as the final argument. An empty or unparsable
// command keeps the platform default.
func WithCommand(command string) Option {
	return func(s *System) {
		if fields, err := shellwords.Parse(command); err == nil && len(fields) > 0 {
			s.command = fields
		}
	}
}

// NewSystem returns an opener using the platform default viewer.
func NewSystem(opts ...Option) *System {
	s := &System{
		executor: exec.New(exec.WithInheritEnv()),
		command:  DefaultCommand(runtime.GOOS),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultCommand returns the viewer command for goos.
func DefaultCommand(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"open"}
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler"}
	default:
		return []string{"xdg-open"}
	}
}

// Command returns the configured command line.
func (s *System) Command() []string {
	out := make([]string, len(s.command))
	copy(out, s.command)
	return out
}

// Open runs the viewer on path.
func (s *System) Open(ctx context.Context, path string) error {
	if path == "" {
		return errors.New(errors.CodeInvalidInput, "path must not be empty")
	}
	args := append(s.Command(), path)

	res, err := s.executor.Clone().WithContext(ctx).Run(args...)
	if err != nil {
		ctxMap := map[string]interface{}{
			"command": strings.Join(args, " "),
		}
		if res != nil {
			ctxMap["exit_code"] = res.ExitCode
			ctxMap["stderr"] = strings.TrimSpace(res.Stderr)
		}
		return errors.WrapWithContext(err, errors.CodeExecutionFailed, "failed to launch viewer", ctxMap)
	}
	return nil
}
