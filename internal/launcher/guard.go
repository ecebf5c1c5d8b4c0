package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"cssmod/internal/daemon"
	"cssmod/internal/logging"
)

// State is the guard's view of its daemon.
type State int

const (
	StateAbsent State = iota
	StateSpawning
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	default:
		return "absent"
	}
}

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 2 * time.Second

// ErrClosed is returned by Ensure after Close.
var ErrClosed = errors.New("launcher closed")

// Options configures a Guard.
type Options struct {
	// Executable defaults to the running binary.
	Executable string
	// Args defaults to "daemon <socket> <scratch>".
	Args       []string
	SocketPath string
	ScratchDir string
	Logger     *slog.Logger
	// Stderr receives the child's stderr; os.Stderr when nil.
	Stderr io.Writer
	// Start launches the prepared command; (*exec.Cmd).Start when nil.
	Start     func(*exec.Cmd) error
	StopGrace time.Duration
}

type cleanup struct {
	id int
	fn func() error
}

// Guard ensures a single daemon child per host and tears it down on Close.
type Guard struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	exited    chan struct{}
	spawned   chan struct{}
	cleanupID int
	cleanups  []cleanup
	nextID    int
	closed    bool
}

// New validates opts and returns an idle guard.
func New(opts Options) (*Guard, error) {
	if opts.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		opts.Executable = exe
	}
	if len(opts.Args) == 0 {
		if opts.SocketPath == "" {
			return nil, errors.New("socket path is required")
		}
		opts.Args = []string{"daemon", opts.SocketPath}
		if opts.ScratchDir != "" {
			opts.Args = append(opts.Args, opts.ScratchDir)
		}
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Start == nil {
		opts.Start = (*exec.Cmd).Start
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Guard{
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "launcher"),
	}, nil
}

// State reports the current lifecycle state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// PID returns the child's pid, or 0 when no child is held.
func (g *Guard) PID() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cmd == nil || g.cmd.Process == nil {
		return 0
	}
	return g.cmd.Process.Pid
}

// Ensure spawns the daemon unless a live child is already held. Concurrent
// callers share one spawn.
func (g *Guard) Ensure(ctx context.Context) error {
	g.mu.Lock()
	for g.state == StateSpawning {
		wait := g.spawned
		g.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		g.mu.Lock()
	}
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.state == StateRunning {
		g.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		g.mu.Unlock()
		return err
	}
	g.state = StateSpawning
	spawned := make(chan struct{})
	g.spawned = spawned
	g.mu.Unlock()

	cmd := exec.Command(g.opts.Executable, g.opts.Args...)
	cmd.Stderr = g.opts.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	startErr := g.opts.Start(cmd)

	g.mu.Lock()
	defer close(spawned)
	if startErr != nil {
		g.state = StateAbsent
		g.mu.Unlock()
		return fmt.Errorf("spawn daemon: %w", startErr)
	}
	exited := make(chan struct{})
	go g.reap(cmd, exited)
	if g.closed {
		g.state = StateAbsent
		g.mu.Unlock()
		g.terminate(cmd, exited)
		return ErrClosed
	}
	g.cmd = cmd
	g.exited = exited
	g.state = StateRunning
	g.cleanupID = g.addCleanupLocked(g.Stop)
	g.mu.Unlock()

	g.logger.Info("daemon spawned",
		logging.String(logging.FieldEventType, "daemon_spawned"),
		logging.Int("pid", cmd.Process.Pid),
		logging.String(logging.FieldSocket, g.opts.SocketPath))
	return nil
}

func (g *Guard) reap(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	code := cmd.ProcessState.ExitCode()

	g.mu.Lock()
	if g.cmd == cmd {
		g.cmd = nil
		g.exited = nil
		g.state = StateAbsent
		g.removeCleanupLocked(g.cleanupID)
	}
	g.mu.Unlock()
	close(exited)

	switch {
	case code == daemon.ExitAlreadyRunning:
		g.logger.Info("daemon already running elsewhere",
			logging.String(logging.FieldEventType, "daemon_already_running"),
			logging.String(logging.FieldSocket, g.opts.SocketPath))
	case err != nil:
		g.logger.Debug("daemon exited", logging.Int("exit_code", code), logging.Error(err))
	default:
		g.logger.Debug("daemon exited", logging.Int("exit_code", code))
	}
}

// Stop terminates the held child, if any, and drops its cleanup entry.
func (g *Guard) Stop() error {
	g.mu.Lock()
	cmd, exited := g.cmd, g.exited
	if cmd == nil {
		g.mu.Unlock()
		return nil
	}
	g.cmd = nil
	g.exited = nil
	g.state = StateAbsent
	g.removeCleanupLocked(g.cleanupID)
	g.mu.Unlock()

	return g.terminate(cmd, exited)
}

// terminate signals the child's process group with SIGTERM, escalating to
// SIGKILL after the grace period.
func (g *Guard) terminate(cmd *exec.Cmd, exited <-chan struct{}) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal daemon %d: %w", pid, err)
	}
	timer := time.NewTimer(g.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	}
	g.logger.Warn("daemon ignored SIGTERM, killing",
		logging.Int("pid", pid),
		logging.String(logging.FieldImpact, "daemon socket file may be left behind"))
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill daemon %d: %w", pid, err)
	}
	<-exited
	return nil
}

// OnCleanup registers fn to run on Close. The returned func removes it.
func (g *Guard) OnCleanup(fn func() error) (deregister func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.addCleanupLocked(fn)
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.removeCleanupLocked(id)
	}
}

func (g *Guard) addCleanupLocked(fn func() error) int {
	g.nextID++
	g.cleanups = append(g.cleanups, cleanup{id: g.nextID, fn: fn})
	return g.nextID
}

func (g *Guard) removeCleanupLocked(id int) {
	for i, c := range g.cleanups {
		if c.id == id {
			g.cleanups = append(g.cleanups[:i], g.cleanups[i+1:]...)
			return
		}
	}
}

// Close runs registered cleanups in reverse order. Only the first call does
// anything; later Ensure calls fail with ErrClosed.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	pending := g.cleanups
	g.cleanups = nil
	g.mu.Unlock()

	var err error
	for i := len(pending) - 1; i >= 0; i-- {
		err = multierr.Append(err, pending[i].fn())
	}
	return err
}
