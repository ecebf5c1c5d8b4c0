package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"cssmod/internal/daemonrun"
)

// LaunchOptions controls detached daemon launch.
type LaunchOptions struct {
	SocketPath string
	ScratchDir string
	ConfigPath string
}

// ErrDaemonNotRunning indicates nothing answers on the socket.
var ErrDaemonNotRunning = errors.New("daemon not running")

// Launch starts a detached daemon process that outlives the caller.
func Launch(executablePath string, opts LaunchOptions) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, fmt.Errorf("resolve executable: executable path is empty")
	}
	if strings.TrimSpace(opts.SocketPath) == "" {
		return 0, errors.New("socket path is required")
	}

	args := []string{"daemon", opts.SocketPath}
	if scratch := strings.TrimSpace(opts.ScratchDir); scratch != "" {
		args = append(args, scratch)
	}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}

	proc := exec.Command(executablePath, args...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := proc.Start(); err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	pid := proc.Process.Pid
	return pid, proc.Process.Release()
}

// Probe reports whether a daemon accepts connections on socketPath.
func Probe(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// WaitReady polls until the socket accepts connections or timeout elapses.
func WaitReady(ctx context.Context, socketPath string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if Probe(socketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon failed to start on %s: %w", socketPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

// StopResult captures how a detached daemon was stopped.
type StopResult struct {
	PID        int
	ForcedKill bool
}

// StopProcess ends the daemon whose pid file lives in scratchDir: SIGTERM,
// then SIGKILL if it is still alive after grace.
func StopProcess(scratchDir string, grace time.Duration) (StopResult, error) {
	pid, err := daemonrun.ReadPID(scratchDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StopResult{}, ErrDaemonNotRunning
		}
		return StopResult{}, fmt.Errorf("read daemon pid: %w", err)
	}
	if pid == os.Getpid() {
		return StopResult{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	result := StopResult{PID: pid}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return result, ErrDaemonNotRunning
		}
		return result, fmt.Errorf("signal daemon %d: %w", pid, err)
	}
	if waitExit(pid, grace) {
		return result, nil
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon %d: %w", pid, err)
	}
	result.ForcedKill = true
	waitExit(pid, grace)
	return result, nil
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !processAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
