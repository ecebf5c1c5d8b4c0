// Package daemonrun is the daemon process entrypoint: it assembles the server
// from configuration, installs signal handling, and guarantees the socket file
// is removed before the process exits.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"cssmod/internal/config"
	"cssmod/internal/daemon"
	"cssmod/internal/journal"
	"cssmod/internal/logging"
	"cssmod/internal/metrics"
	"cssmod/internal/pipeline"
)

// PIDFileName is written inside the scratch directory while the daemon runs.
const PIDFileName = "daemon.pid"

// Signals end the daemon. SIGUSR2 is included so supervisors that restart on
// it still get a clean socket.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, unix.SIGUSR2}

// Options configures one daemon process.
type Options struct {
	SocketPath string
	ScratchDir string
	Config     *config.Config
	Logger     *slog.Logger
	// Stderr receives error stream lines; os.Stderr when nil.
	Stderr io.Writer
	// Resolver and Transformer default to the built-in pipeline.
	Resolver    pipeline.Resolver
	Transformer pipeline.Transformer
	// Ready, when set, is called once the socket is bound.
	Ready func()
}

// Run serves until ctx is canceled or a signal in Signals arrives. A
// *daemon.StartupError is returned unchanged so callers can map
// AlreadyRunning to daemon.ExitAlreadyRunning.
func Run(ctx context.Context, opts Options) error {
	if strings.TrimSpace(opts.SocketPath) == "" {
		return errors.New("socket path is required")
	}
	cfg := opts.Config
	if cfg == nil {
		defaults := config.Default()
		cfg = &defaults
	}
	scratch := opts.ScratchDir
	if strings.TrimSpace(scratch) == "" {
		scratch = DefaultScratchDir(opts.SocketPath)
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewFromConfig(cfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	signalCtx, stopSignals := signal.NotifyContext(ctx, Signals...)
	defer stopSignals()

	scope, scopeCloser := metrics.NewScope(logger, "cssmod", cfg.MetricsInterval())
	defer scopeCloser.Close()

	resolver := opts.Resolver
	if resolver == nil {
		resolver = pipeline.NewResolver()
	}
	transformer := opts.Transformer
	if transformer == nil {
		transformer = pipeline.NewTransformer()
	}

	serverOpts := daemon.Options{
		SocketPath:    opts.SocketPath,
		ScratchDir:    scratch,
		Resolver:      resolver,
		Transformer:   transformer,
		Logger:        logger,
		Errors:        logging.NewErrorStream(stderr),
		Scope:         scope,
		MaxTransforms: cfg.Daemon.MaxTransforms,
		ReadTimeout:   cfg.ReadTimeout(),
	}
	server, err := daemon.New(serverOpts)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Close()

	if cfg.Journal.Enabled {
		j, err := journal.Open(signalCtx, journal.PathIn(scratch))
		if err != nil {
			logging.WarnWithContext(logger, "request journal unavailable", "journal_open_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "cssmod stats will not include this run"),
				logging.String(logging.FieldErrorHint, "delete the journal database if the schema changed"))
		} else {
			defer j.Close()
			server.SetJournal(j)
		}
	}

	pidPath := filepath.Join(scratch, PIDFileName)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("write pid file failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "pid_file_write_failed"),
			logging.String(logging.FieldImpact, "cssmod stop cannot find this daemon"),
			logging.String(logging.FieldErrorHint, "check scratch directory permissions"))
	}
	defer os.Remove(pidPath)

	if opts.Ready != nil {
		opts.Ready()
	}
	err = server.Serve(signalCtx)
	stopSignals()
	logger.Info("cssmod daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
		logging.String(logging.FieldSocket, opts.SocketPath))
	return err
}

// DefaultScratchDir derives the scratch directory from a socket path by
// dropping its extension.
func DefaultScratchDir(socketPath string) string {
	return strings.TrimSuffix(socketPath, filepath.Ext(socketPath))
}

// ReadPID returns the pid recorded in a scratch directory.
func ReadPID(scratchDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(scratchDir, PIDFileName))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file contents %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

func writePIDFile(path string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
