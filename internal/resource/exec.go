package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExecLauncher starts the helper as a child process.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Launch starts the command. The child outlives ctx; use Process.Stop.
func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Command == "" {
		return nil, errors.New("helper command not configured")
	}
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Command, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Stop sends SIGTERM and escalates to SIGKILL when ctx expires.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal helper: %w", err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cmd.Process.Kill()
		<-p.done
		return ctx.Err()
	}
}
