package launcher_test

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"cssmod/internal/daemonrun"
	"cssmod/internal/launcher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newSleepGuard(t *testing.T, seconds string, starts *atomic.Int32) *launcher.Guard {
	t.Helper()
	guard, err := launcher.New(launcher.Options{
		Executable: "/bin/sleep",
		Args:       []string{seconds},
		SocketPath: "/tmp/unused.sock",
		Stderr:     io.Discard,
		StopGrace:  time.Second,
		Start: func(cmd *exec.Cmd) error {
			if starts != nil {
				starts.Add(1)
			}
			return cmd.Start()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = guard.Close() })
	return guard
}

func waitState(t *testing.T, guard *launcher.Guard, want launcher.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for guard.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v", guard.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func TestEnsureSpawnsOnce(t *testing.T) {
	var starts atomic.Int32
	guard := newSleepGuard(t, "30", &starts)

	if guard.State() != launcher.StateAbsent {
		t.Fatalf("initial state = %v", guard.State())
	}
	if err := guard.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	pid := guard.PID()
	if pid <= 0 || guard.State() != launcher.StateRunning {
		t.Fatalf("pid=%d state=%v", pid, guard.State())
	}
	if err := guard.Ensure(context.Background()); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if guard.PID() != pid || starts.Load() != 1 {
		t.Fatalf("second Ensure respawned: pid %d -> %d, starts %d", pid, guard.PID(), starts.Load())
	}
}

func TestEnsureConcurrentCallersShareSpawn(t *testing.T) {
	var starts atomic.Int32
	guard := newSleepGuard(t, "30", &starts)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- guard.Ensure(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	if starts.Load() != 1 {
		t.Fatalf("starts = %d, want 1", starts.Load())
	}
}

func TestEnsureRespawnsAfterChildExits(t *testing.T) {
	var starts atomic.Int32
	guard := newSleepGuard(t, "0", &starts)

	if err := guard.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	waitState(t, guard, launcher.StateAbsent)
	if guard.PID() != 0 {
		t.Fatalf("exited child still held: pid %d", guard.PID())
	}
	if err := guard.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure after exit: %v", err)
	}
	if starts.Load() != 2 {
		t.Fatalf("starts = %d, want 2", starts.Load())
	}
}

func TestStopTerminatesChild(t *testing.T) {
	guard := newSleepGuard(t, "30", nil)
	if err := guard.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	pid := guard.PID()
	if err := guard.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if guard.State() != launcher.StateAbsent || guard.PID() != 0 {
		t.Fatalf("after Stop: state=%v pid=%d", guard.State(), guard.PID())
	}
	if alive(pid) {
		t.Fatalf("process %d still alive after Stop", pid)
	}
	if err := guard.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestCloseRunsCleanupsInReverseOnce(t *testing.T) {
	guard := newSleepGuard(t, "30", nil)
	if err := guard.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	pid := guard.PID()

	var order []string
	guard.OnCleanup(func() error { order = append(order, "first"); return nil })
	deregister := guard.OnCleanup(func() error { order = append(order, "removed"); return nil })
	guard.OnCleanup(func() error { order = append(order, "last"); return nil })
	deregister()

	if err := guard.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := guard.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if len(order) != 2 || order[0] != "last" || order[1] != "first" {
		t.Fatalf("cleanup order = %v", order)
	}
	if alive(pid) {
		t.Fatalf("daemon %d outlived Close", pid)
	}
	if err := guard.Ensure(context.Background()); !errors.Is(err, launcher.ErrClosed) {
		t.Fatalf("Ensure after Close = %v", err)
	}
}

func TestCloseReportsCleanupErrors(t *testing.T) {
	guard := newSleepGuard(t, "30", nil)
	boom := errors.New("boom")
	guard.OnCleanup(func() error { return boom })
	if err := guard.Close(); !errors.Is(err, boom) {
		t.Fatalf("Close = %v", err)
	}
}

func TestEnsureStartFailure(t *testing.T) {
	guard, err := launcher.New(launcher.Options{
		Executable: filepath.Join(t.TempDir(), "missing"),
		SocketPath: "/tmp/unused.sock",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := guard.Ensure(context.Background()); err == nil {
		t.Fatal("expected spawn error")
	}
	if guard.State() != launcher.StateAbsent {
		t.Fatalf("state = %v", guard.State())
	}
}

func TestNewRequiresSocketForDefaultArgs(t *testing.T) {
	if _, err := launcher.New(launcher.Options{Executable: "/bin/true"}); err == nil {
		t.Fatal("expected error without socket path")
	}
}

func TestStopProcessUsesPIDFile(t *testing.T) {
	scratch := t.TempDir()
	cmd := exec.Command("/bin/sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()
	pidFile := filepath.Join(scratch, daemonrun.PIDFileName)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	result, err := launcher.StopProcess(scratch, 2*time.Second)
	if err != nil {
		t.Fatalf("StopProcess: %v", err)
	}
	if result.PID != cmd.Process.Pid || result.ForcedKill {
		t.Fatalf("result = %+v", result)
	}
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("process not terminated")
	}
}

func TestStopProcessWithoutPIDFile(t *testing.T) {
	if _, err := launcher.StopProcess(t.TempDir(), time.Second); !errors.Is(err, launcher.ErrDaemonNotRunning) {
		t.Fatalf("StopProcess = %v", err)
	}
}

func TestStopProcessRefusesSelf(t *testing.T) {
	scratch := t.TempDir()
	pidFile := filepath.Join(scratch, daemonrun.PIDFileName)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := launcher.StopProcess(scratch, time.Second); err == nil {
		t.Fatal("expected refusal")
	}
}

func TestProbeAndWaitReady(t *testing.T) {
	dir, err := os.MkdirTemp("", "cssmodl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "d.sock")

	if launcher.Probe(socket) {
		t.Fatal("probe succeeded without listener")
	}
	ctx := context.Background()
	if err := launcher.WaitReady(ctx, socket, 100*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
	ln := listenUnix(t, socket)
	defer ln.Close()
	if err := launcher.WaitReady(ctx, socket, 2*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func listenUnix(t *testing.T, path string) net.Listener {
	t.Helper()
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln
}
