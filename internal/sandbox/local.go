package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// localRuntime is the pure-Go reference Runtime: it spawns a real OS
// process per instance and kills the whole process group on Stop, so a
// misbehaving agent can't outlive its container by forking off a child
// after the dispatcher gives up on it.
type localRuntime struct{}

// NewLocal returns the reference Runtime implementation, used by tests and
// as the default runtime absent a real container backend.
func NewLocal() Runtime {
	return &localRuntime{}
}

type localInstance struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startedAt time.Time
}

func (r *localRuntime) Create(ctx context.Context, spec RuntimeSpec) (Instance, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = spec.Env
	// Setpgid puts the process in its own group so Stop can kill every
	// descendant it spawns, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr pipe: %w", err)
	}

	return &localInstance{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (r *localRuntime) Start(ctx context.Context, inst Instance) error {
	li, ok := inst.(*localInstance)
	if !ok {
		return fmt.Errorf("instance is not a local runtime instance")
	}
	if err := li.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start instance: %w", err)
	}
	li.startedAt = time.Now().UTC()
	return nil
}

func (r *localRuntime) Stop(ctx context.Context, inst Instance) error {
	li, ok := inst.(*localInstance)
	if !ok {
		return fmt.Errorf("instance is not a local runtime instance")
	}
	if li.cmd.Process == nil {
		return nil
	}

	pgid, err := unix.Getpgid(li.cmd.Process.Pid)
	if err != nil {
		// process already gone
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to kill process group %d: %w", pgid, err)
	}
	return nil
}

func (li *localInstance) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- li.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (li *localInstance) Stop(ctx context.Context) error {
	return (&localRuntime{}).Stop(ctx, li)
}

func (li *localInstance) Stdout() io.Reader   { return li.stdout }
func (li *localInstance) Stderr() io.Reader   { return li.stderr }
func (li *localInstance) Pid() int {
	if li.cmd.Process == nil {
		return 0
	}
	return li.cmd.Process.Pid
}
func (li *localInstance) StartedAt() time.Time { return li.startedAt }
