package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
)

const (
	// DefaultTimeout bounds a command when neither the request nor the runner set one.
	DefaultTimeout = 60 * time.Second
	// DefaultGracePeriod is how long a process may run after the interrupt before it is killed.
	DefaultGracePeriod = 5 * time.Second
	// EnvPrefix prefixes the environment variables built from Request.Args.
	EnvPrefix = "PILOT_ARG_"
)

// ErrEmptyCommand is returned when a request has nothing to run.
var ErrEmptyCommand = errors.New("empty command")

// Runner executes workspace commands as subprocesses.
type Runner struct {
	baseDir string
	shell   []string
	timeout time.Duration
	grace   time.Duration
	env     []string
	logger  *slog.Logger
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithGracePeriod sets how long an interrupted process may take to exit.
func WithGracePeriod(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.grace = d
	}
}

// WithShell overrides the shell used for command lines (default "sh -c", "cmd /C" on Windows).
func WithShell(shell ...string) RunnerOption {
	return func(r *Runner) {
		r.shell = shell
	}
}

// WithEnv adds KEY=VALUE pairs to every process environment.
func WithEnv(env ...string) RunnerOption {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new process Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		timeout: DefaultTimeout,
		grace:   DefaultGracePeriod,
		logger:  logging.NewNop(),
	}
	if runtime.GOOS == "windows" {
		r.shell = []string{"cmd", "/C"}
	} else {
		r.shell = []string{"sh", "-c"}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the working directory of executed processes.
func (r *Runner) Dir() string { return r.baseDir }

// Request describes one execution. With Argv set the program is executed directly;
// otherwise Command is handed to the shell.
type Request struct {
	Command string
	Argv    []string
	Stdin   []byte
	Timeout time.Duration
	// Env holds extra KEY=VALUE pairs for this call.
	Env []string
	// Args are exposed to the process as PILOT_ARG_<KEY> variables, never as flags.
	Args map[string]any
}

// Output is what a finished process left behind. A non-zero exit or a timeout is
// reported here, not as an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Failed reports whether the process did not exit cleanly.
func (o Output) Failed() bool {
	return o.TimedOut || o.ExitCode != 0
}

// JSON decodes trimmed stdout into v.
func (o Output) JSON(v any) error {
	trimmed := strings.TrimSpace(o.Stdout)
	if trimmed == "" {
		return fmt.Errorf("process produced no output")
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("failed to decode process output: %w", err)
	}
	return nil
}

// Run executes req. It returns an error only when the process could not be started
// or the parent context was cancelled.
func (r *Runner) Run(ctx context.Context, req Request) (Output, error) {
	argv := req.Argv
	if len(argv) == 0 {
		if strings.TrimSpace(req.Command) == "" {
			return Output{}, ErrEmptyCommand
		}
		argv = append(append([]string{}, r.shell...), req.Command)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.baseDir
	cmd.Env = append(cmd.Environ(), r.env...)
	cmd.Env = append(cmd.Env, req.Env...)
	cmd.Env = append(cmd.Env, argsEnv(req.Args)...)
	// Ask politely first; WaitDelay kills whatever is left after the grace period.
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = r.grace
	if req.Stdin != nil {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		r.logger.Warn("Command timed out", "argv", argv, "timeout", timeout)
		return out, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			r.logger.Debug("Command failed", "argv", argv, "exit_code", out.ExitCode, "duration", out.Duration)
			return out, nil
		}
		return out, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	r.logger.Debug("Command finished", "argv", argv, "duration", out.Duration)
	return out, nil
}

// argsEnv serializes args: primitives with %v, everything else as JSON.
func argsEnv(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(args))
	for _, k := range keys {
		var val string
		switch v := args[k].(type) {
		case string, int, int64, float64, bool:
			val = fmt.Sprintf("%v", v)
		case nil:
			val = ""
		default:
			if raw, err := json.Marshal(v); err == nil {
				val = string(raw)
			} else {
				val = fmt.Sprintf("%v", v)
			}
		}
		env = append(env, EnvPrefix+strings.ToUpper(k)+"="+val)
	}
	return env
}
