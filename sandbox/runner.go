package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is the uniform outcome of one command invocation. It is always
// fully populated: a command that could not even start yields a Result
// with a non-zero exit code and empty streams rather than an error.
type Result struct {
	// Cmd is the command that was actually executed, for diagnostics.
	Cmd string
	// Summary is the consumer-facing description of the invocation. It
	// defaults to Cmd but may instead point at a log file or carry a
	// fixed placeholder when the literal command must stay hidden from
	// a downstream consumer.
	Summary string
	// Stdout and Stderr hold the captured streams. Stderr is empty when
	// the stream was redirected to a file via RunOpts.
	Stdout string
	Stderr string
	// ExitCode is the process exit code, or 1 for an internal fault.
	ExitCode int
	// TimedOut reports that the deadline in RunOpts elapsed before the
	// process finished.
	TimedOut bool
}

// Success reports whether the command finished with exit code zero and
// without hitting its deadline.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// RunOpts control a single CommandRunner invocation. The zero value runs
// the command in the current directory, captures both streams in memory
// and applies no deadline.
type RunOpts struct {
	// Dir is the working directory for the process.
	Dir string
	// Stdin is piped to the process when non-nil.
	Stdin io.Reader
	// OutputFile receives combined stdout and stderr when set. Used for
	// fuzzing runs whose logs are too large to buffer in memory.
	OutputFile string
	// StderrFile receives the raw stderr stream when set; stdout is
	// still captured in memory.
	StderrFile string
	// Timeout bounds the process lifetime when positive.
	Timeout time.Duration
}

// CommandRunner executes a command as a subprocess and reports its
// outcome as a Result. Implementations must never propagate an internal
// fault as an error: a command that cannot start is reported as a Result
// with exit code 1 and empty streams.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, opts RunOpts) Result
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	logger *zap.Logger
}

// NewExecRunner creates a CommandRunner backed by os/exec.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes argv and captures its outcome. Deadlines come from opts
// and from ctx; whichever expires first marks the Result as timed out.
func (r *ExecRunner) Run(ctx context.Context, argv []string, opts RunOpts) Result {
	res := Result{Cmd: shellJoin(argv), ExitCode: 1}
	res.Summary = res.Cmd
	if len(argv) == 0 {
		r.logger.Error("empty command")
		return res
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Stdin = opts.Stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	var logFile *os.File
	if opts.OutputFile != "" {
		f, err := os.Create(opts.OutputFile)
		if err != nil {
			r.logger.Error("failed to open output file",
				zap.String("path", opts.OutputFile),
				zap.Error(err))
			return res
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else if opts.StderrFile != "" {
		f, err := os.Create(opts.StderrFile)
		if err != nil {
			r.logger.Error("failed to open stderr file",
				zap.String("path", opts.StderrFile),
				zap.Error(err))
			return res
		}
		logFile = f
		cmd.Stderr = f
	}

	err := cmd.Run()
	if logFile != nil {
		if closeErr := logFile.Close(); closeErr != nil {
			r.logger.Warn("failed to close log file",
				zap.String("path", logFile.Name()),
				zap.Error(closeErr))
		}
	}

	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()
	res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)

	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// The process never started; synthesize a failure result.
			r.logger.Error("command failed to start",
				zap.String("cmd", res.Cmd),
				zap.Error(err))
			res.Stdout = ""
			res.Stderr = ""
			res.ExitCode = 1
			return res
		}
	}

	r.logger.Debug("executed command",
		zap.String("cmd", res.Cmd),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.String("stdout", res.Stdout),
		zap.String("stderr", res.Stderr))
	return res
}

// shellJoin renders argv for logging. The rendering is for diagnostics
// only and is never re-parsed.
func shellJoin(argv []string) string {
	return strings.Join(argv, " ")
}

// FileSystem abstracts the host file system operations the sandbox
// needs, so tests can run without touching the disk.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(path string) ([]os.DirEntry, error)
}

// RealFileSystem implements FileSystem using the os package.
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}
