package hostctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives the output of a launched HC command.
type Sink interface {
	// Output is called for each line the command writes to stdout.
	Output(line string)
	// Failed is called once if the command cannot be run, is interrupted,
	// or exits with a non-zero code.
	Failed(message string)
}

// Launcher starts HC commands. Launch must not block on the command; the
// sink may be called from any goroutine after Launch returns.
type Launcher interface {
	Launch(ctx context.Context, command string, sink Sink)
}

// Waiter is implemented by launchers that can wait for the commands they
// started.
type Waiter interface {
	Wait() error
}

// maxLine bounds one line of HC output.
const maxLine = 1024 * 1024

// CommandError describes a failed HC command.
type CommandError struct {
	Command     string
	ExitCode    int
	Interrupted bool
	Err         error
}

func (e *CommandError) Error() string {
	switch {
	case e.Interrupted:
		return "The following command is interrupted: " + e.Command
	case e.ExitCode != 0:
		return fmt.Sprintf("Command: \"%s\" exited with the following exit code: %d", e.Command, e.ExitCode)
	default:
		return "Error running command: " + e.Command
	}
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ShellLauncher runs each command with "sh -c" on its own goroutine.
type ShellLauncher struct {
	shell  string
	logger *zap.Logger
	group  errgroup.Group

	mu   sync.Mutex
	errs error
}

// LauncherOption configures a ShellLauncher.
type LauncherOption func(*ShellLauncher)

// WithShell sets the shell used to run commands. The default is "sh".
func WithShell(path string) LauncherOption {
	return func(l *ShellLauncher) {
		if path != "" {
			l.shell = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) LauncherOption {
	return func(l *ShellLauncher) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewShellLauncher creates a ShellLauncher.
func NewShellLauncher(opts ...LauncherOption) *ShellLauncher {
	l := &ShellLauncher{
		shell:  "sh",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch starts command in the background.
func (l *ShellLauncher) Launch(ctx context.Context, command string, sink Sink) {
	l.group.Go(func() error {
		if err := l.run(ctx, command, sink); err != nil {
			l.logger.Warn("host controller command failed", zap.String("command", command), zap.Error(err))
			l.mu.Lock()
			l.errs = multierr.Append(l.errs, err)
			l.mu.Unlock()
			sink.Failed(err.Error())
		}
		return nil
	})
}

// Wait blocks until every launched command has finished and returns the
// command failures collected since the previous Wait.
func (l *ShellLauncher) Wait() error {
	_ = l.group.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.errs
	l.errs = nil
	return err
}

func (l *ShellLauncher) run(ctx context.Context, command string, sink Sink) error {
	l.logger.Debug("starting host controller", zap.String("command", command))

	cmd := exec.CommandContext(ctx, l.shell, "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CommandError{Command: command, Err: err}
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &CommandError{Command: command, Interrupted: ctx.Err() != nil, Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		sink.Output(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("host controller output dropped",
			zap.String("command", command), zap.Error(err))
		// Drain the rest so the command can exit.
		_, _ = io.Copy(io.Discard, stdout)
	}

	err = cmd.Wait()
	if stderr.Len() > 0 {
		l.logger.Debug("host controller stderr",
			zap.String("command", command), zap.String("stderr", stderr.String()))
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &CommandError{Command: command, Interrupted: true, Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return &CommandError{Command: command, ExitCode: exitErr.ExitCode(), Err: err}
	}
	return &CommandError{Command: command, Err: err}
}
