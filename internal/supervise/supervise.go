// Package supervise starts agent processes in their own process group and
// tears whole process trees down again.
package supervise

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Wait keeps reading pipes that a killed
// process's descendants may still hold open.
const waitDelay = 2 * time.Second

// Handle identifies a started process tree.
type Handle struct {
	PID        int
	PGID       int
	StartToken string

	cmd *exec.Cmd
}

// Start starts cmd as the leader of a new process group. If cmd was built
// with exec.CommandContext, cancelling the context kills the whole group
// rather than only the leader.
func Start(cmd *exec.Cmd) (*Handle, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if cmd.Cancel != nil {
		cmd.Cancel = func() error {
			return signalGroup(cmd.Process.Pid, unix.SIGKILL)
		}
		if cmd.WaitDelay == 0 {
			cmd.WaitDelay = waitDelay
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pid := cmd.Process.Pid
	token, _ := StartToken(pid)
	return &Handle{PID: pid, PGID: pid, StartToken: token, cmd: cmd}, nil
}

// Wait waits for the leader to exit.
func (h *Handle) Wait() error {
	if h.cmd == nil {
		return errors.New("process was not started by this handle")
	}
	return h.cmd.Wait()
}

// KillTree sends SIGTERM to the process group, waits up to grace for it to
// exit, then sends SIGKILL to whatever is left. A group that is already gone
// is not an error.
func KillTree(ctx context.Context, pgid int, grace time.Duration) error {
	if pgid <= 0 {
		return nil
	}

	if err := signalGroup(pgid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for groupAlive(pgid) {
		select {
		case <-ctx.Done():
			return killGroup(pgid)
		case <-deadline.C:
			return killGroup(pgid)
		case <-ticker.C:
		}
	}
	return nil
}

func killGroup(pgid int) error {
	err := signalGroup(pgid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func signalGroup(pgid int, sig unix.Signal) error {
	return unix.Kill(-pgid, sig)
}

func groupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Alive reports whether pid is running and, when token is set, is still the
// same process that token was taken from. A reused PID is not alive.
func Alive(pid int, token string) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if token == "" {
		return true
	}
	current, err := StartToken(pid)
	if err != nil {
		return false
	}
	if current == "" {
		return true
	}
	return current == token
}
