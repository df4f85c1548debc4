package launcher

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/dftworks/abiflow/internal/flow"
)

// Launcher starts the external solver for ready tasks. The solver reads
// the files file on stdin and writes its log to stdout, classic Abinit
// style. Each task runs in its own process group so a kill reaches any
// children.
type Launcher struct {
	bin    string
	logger *slog.Logger
}

// Result is one observed process exit, delivered back to the poll loop.
type Result struct {
	Task     *flow.Task
	ExitCode int
	Err      error
}

func New(bin string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{bin: bin, logger: logger}
}

func (l *Launcher) command(t *flow.Task) (*exec.Cmd, *os.File, *os.File, error) {
	stdin, err := os.Open(filepath.Join(t.Workdir, "run.files"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("launcher: %w", err)
	}
	stdout, err := os.Create(t.LogPath())
	if err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("launcher: %w", err)
	}

	cmd := exec.Command(l.bin)
	cmd.Dir = t.Workdir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, stdin, stdout, nil
}

// Start launches the task's process and reports its exit on results. The
// task is marked running here, from the caller's goroutine; only the exit
// observation crosses the channel, so all flow mutation stays in the poll
// loop.
func (l *Launcher) Start(t *flow.Task, results chan<- Result) error {
	cmd, stdin, stdout, err := l.command(t)
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("launcher: start %s: %w", t.ID(), err)
	}
	if err := t.MarkRunning(cmd.Process.Pid); err != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		stdin.Close()
		stdout.Close()
		return err
	}
	l.logger.Info("task started", "task", t.ID(), "pid", cmd.Process.Pid)

	go func() {
		defer stdin.Close()
		defer stdout.Close()

		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
				err = nil
			}
		}
		results <- Result{Task: t, ExitCode: code, Err: err}
	}()

	return nil
}

// RunProbe runs a probe task synchronously to completion. Probe runs are
// the one blocking call the orchestration layer makes: dynamic works
// cannot be expanded until the probe log exists.
func (l *Launcher) RunProbe(t *flow.Task) error {
	cmd, stdin, stdout, err := l.command(t)
	if err != nil {
		return err
	}
	defer stdin.Close()
	defer stdout.Close()

	l.logger.Info("probe run", "task", t.ID())
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("launcher: probe %s: %w", t.ID(), err)
	}
	return nil
}

// Kill signals a running task's whole process group.
func Kill(t *flow.Task) error {
	if t.Status() != flow.StatusRunning || t.PID == 0 {
		return fmt.Errorf("launcher: task %s is not running", t.ID())
	}
	if err := t.Cancel(); err != nil {
		return err
	}
	return KillGroup(t.PID)
}

func KillGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Alive reports whether a process with the given pid still exists.
func Alive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
