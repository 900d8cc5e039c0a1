// Package process launches the external run script and gives its caller a
// non-blocking view of the child's output and exit status.
//
// Output is pumped from os.Pipe read ends by one goroutine per stream into
// locked buffers; Drain swaps those buffers out and never waits. The child
// runs in its own process group so Terminate reaches anything it spawned.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"

	"github.com/pulce2011/GPU-Code-Runner/internal/logging"
)

// LaunchError is returned when the run command could not be started.
type LaunchError struct {
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Launcher starts run-script processes.
type Launcher struct {
	base   []string
	stdbuf string // path to stdbuf, empty when line buffering is off or unavailable
	dir    string
	logger *slog.Logger
}

// NewLauncher parses command with shell quoting rules. When the command has
// arguments its last one names the script, which must exist at Start time.
// dir is the working directory of the child; empty means the current one.
func NewLauncher(command, dir string, lineBuffered bool, logger *slog.Logger) (*Launcher, error) {
	base, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse run command %q: %w", command, err)
	}
	if len(base) == 0 {
		return nil, fmt.Errorf("run command is empty")
	}
	l := &Launcher{
		base:   base,
		dir:    dir,
		logger: logging.Component(logger, "launcher"),
	}
	if lineBuffered {
		if p, err := exec.LookPath("stdbuf"); err == nil {
			l.stdbuf = p
		} else {
			l.logger.Debug("stdbuf not found, output stays block buffered")
		}
	}
	return l, nil
}

// Command returns the argv Start would run for the given arguments.
func (l *Launcher) Command(sourcePath, exerciseName string) []string {
	argv := make([]string, 0, len(l.base)+5)
	if l.stdbuf != "" {
		argv = append(argv, l.stdbuf, "-oL", "-eL")
	}
	argv = append(argv, l.base...)
	return append(argv, sourcePath, exerciseName)
}

// Start spawns the run script for sourcePath and returns as soon as the
// process exists.
func (l *Launcher) Start(ctx context.Context, sourcePath, exerciseName string) (*Handle, error) {
	argv := l.Command(sourcePath, exerciseName)
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Command: argv, Err: err}
	}
	if _, err := exec.LookPath(l.resolve(l.base[0])); err != nil {
		return nil, &LaunchError{Command: argv, Err: err}
	}
	if len(l.base) > 1 {
		if script := l.base[len(l.base)-1]; !strings.HasPrefix(script, "-") {
			if !filepath.IsAbs(script) && l.dir != "" {
				script = filepath.Join(l.dir, script)
			}
			if _, err := os.Stat(script); err != nil {
				return nil, &LaunchError{Command: argv, Err: fmt.Errorf("run script: %w", err)}
			}
		}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Command: argv, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, &LaunchError{Command: argv, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.dir
	cmd.Stdout = outW
	cmd.Stderr = errW
	configureProcess(cmd)

	startErr := cmd.Start()
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		return nil, &LaunchError{Command: argv, Err: startErr}
	}

	h := &Handle{
		cmd:    cmd,
		stdout: newStream(outR),
		stderr: newStream(errR),
		exited: make(chan struct{}),
	}
	go h.wait()

	l.logger.Debug("process started", "pid", cmd.Process.Pid, "command", argv)
	return h, nil
}

// resolve makes a relative path with a directory component relative to the
// child's working directory. Bare names are left for PATH lookup.
func (l *Launcher) resolve(name string) string {
	if l.dir == "" || filepath.IsAbs(name) || !strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	return filepath.Join(l.dir, name)
}

// Handle is a running (or exited) child process.
type Handle struct {
	cmd    *exec.Cmd
	stdout *stream
	stderr *stream

	exited   chan struct{}
	exitCode int
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}
	h.exitCode = code
	close(h.exited)
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.exited
}

// Poll reports whether the process has exited and, if so, its exit code.
// A process killed by a signal reports -1.
func (h *Handle) Poll() (exited bool, code int) {
	select {
	case <-h.exited:
		return true, h.exitCode
	default:
		return false, 0
	}
}

// Drain returns output produced since the previous call. It never blocks.
func (h *Handle) Drain() (stdout, stderr string) {
	return h.stdout.take(), h.stderr.take()
}

// Wait blocks until the process exits or timeout elapses and reports whether
// it exited.
func (h *Handle) Wait(timeout time.Duration) bool {
	select {
	case <-h.exited:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Terminate sends SIGTERM to the process group, then SIGKILL if the leader
// is still alive after grace, waiting at most a second grace period. The
// group is always killed last, so children the script left in the
// background die with it even when the leader had already exited.
func (h *Handle) Terminate(grace time.Duration) {
	if exited, _ := h.Poll(); !exited {
		if err := terminateGroup(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
			killGroup(h.cmd)
		}
		if !h.Wait(grace) {
			killGroup(h.cmd)
			h.Wait(grace)
		}
	}
	// ESRCH here just means the group is already empty.
	killGroup(h.cmd)
}

// Remaining waits up to timeout for both output streams to reach EOF and
// returns everything not yet drained.
func (h *Handle) Remaining(timeout time.Duration) (stdout, stderr string) {
	deadline := time.After(timeout)
	for _, s := range []*stream{h.stdout, h.stderr} {
		select {
		case <-s.done:
		case <-deadline:
		}
	}
	return h.Drain()
}

// stream accumulates bytes read from one pipe.
type stream struct {
	mu   sync.Mutex
	buf  []byte
	done chan struct{}
}

func newStream(r io.ReadCloser) *stream {
	s := &stream{done: make(chan struct{})}
	go s.pump(r)
	return s
}

func (s *stream) pump(r io.ReadCloser) {
	defer close(s.done)
	defer r.Close()
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (s *stream) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return ""
	}
	out := string(s.buf)
	s.buf = s.buf[:0]
	return out
}
