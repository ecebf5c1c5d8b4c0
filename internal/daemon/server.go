package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	tally "github.com/uber-go/tally/v4"

	"cssmod/internal/cachestore"
	"cssmod/internal/journal"
	"cssmod/internal/logging"
	"cssmod/internal/metrics"
	"cssmod/internal/pipeline"
	"cssmod/internal/wire"
)

const (
	defaultReadTimeout   = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultMaxTransforms = 4
)

// Recorder receives one record per completed request.
type Recorder interface {
	Record(ctx context.Context, rec journal.Record) error
}

// Options configures a Server.
type Options struct {
	SocketPath  string
	ScratchDir  string
	Resolver    pipeline.Resolver
	Transformer pipeline.Transformer
	Logger      *slog.Logger
	Errors      *logging.ErrorStream
	Journal     Recorder
	Scope       tally.Scope
	// MaxTransforms bounds concurrent resolve+transform work.
	MaxTransforms int
	ReadTimeout   time.Duration
}

// Server is one project's daemon.
type Server struct {
	socketPath string
	scratchDir string
	lockPath   string

	resolver    pipeline.Resolver
	transformer pipeline.Transformer
	store       *cachestore.Store
	logger      *slog.Logger
	errs        *logging.ErrorStream
	journal     Recorder
	scope       tally.Scope
	readTimeout time.Duration
	slots       chan struct{}

	mu        sync.Mutex
	listener  net.Listener
	lock      *flock.Flock
	closed    bool
	serving   bool
	serveDone chan struct{}

	wg sync.WaitGroup
}

// New validates opts. Nothing is touched on disk until Start.
func New(opts Options) (*Server, error) {
	if opts.SocketPath == "" {
		return nil, errors.New("daemon requires a socket path")
	}
	if opts.ScratchDir == "" {
		return nil, errors.New("daemon requires a scratch directory")
	}
	if opts.Resolver == nil || opts.Transformer == nil {
		return nil, errors.New("daemon requires a resolver and a transformer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	errs := opts.Errors
	if errs == nil {
		errs = logging.NewErrorStream(os.Stderr)
	}
	scope := opts.Scope
	if scope == nil {
		scope = tally.NoopScope
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	maxTransforms := opts.MaxTransforms
	if maxTransforms <= 0 {
		maxTransforms = defaultMaxTransforms
	}
	scratch := filepath.Clean(opts.ScratchDir)

	return &Server{
		socketPath:  opts.SocketPath,
		scratchDir:  scratch,
		lockPath:    scratch + ".lock",
		resolver:    opts.Resolver,
		transformer: opts.Transformer,
		store:       cachestore.New(scratch, logger),
		logger:      logger,
		errs:        errs,
		journal:     opts.Journal,
		scope:       scope,
		readTimeout: readTimeout,
		slots:       make(chan struct{}, maxTransforms),
	}, nil
}

// SetJournal attaches a request journal. Call it before Serve.
func (s *Server) SetJournal(r Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = r
}

// SocketPath returns the address the server binds.
func (s *Server) SocketPath() string { return s.socketPath }

// Store returns the cache store backing the server.
func (s *Server) Store() *cachestore.Store { return s.store }

// Start prepares the scratch directory and binds the socket. An existing
// socket file means another daemon owns the address; it is left untouched.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("daemon already started")
	}

	if err := cachestore.EnsureDir(s.scratchDir); err != nil {
		return &StartupError{Kind: DirectoryCreateFailure, Socket: s.socketPath, Err: err}
	}

	if _, err := os.Lstat(s.socketPath); err == nil {
		return s.alreadyRunning()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &StartupError{Kind: BindFailure, Socket: s.socketPath, Err: err}
	}

	lock := flock.New(s.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return &StartupError{Kind: BindFailure, Socket: s.socketPath, Err: fmt.Errorf("acquire lock: %w", err)}
	}
	if !ok {
		return s.alreadyRunning()
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		_ = lock.Unlock()
		return &StartupError{Kind: BindFailure, Socket: s.socketPath, Err: err}
	}

	s.lock = lock
	s.listener = listener
	s.logger.Info("daemon listening",
		logging.String(logging.FieldEventType, "daemon_listening"),
		logging.String(logging.FieldSocket, s.socketPath),
		logging.String("scratch_dir", s.scratchDir),
		logging.Int("max_transforms", cap(s.slots)))
	return nil
}

func (s *Server) alreadyRunning() error {
	err := &StartupError{Kind: AlreadyRunning, Socket: s.socketPath}
	s.errs.Report(err)
	s.logger.Warn("daemon already running",
		logging.String(logging.FieldEventType, "daemon_already_running"),
		logging.String(logging.FieldSocket, s.socketPath),
		logging.String(logging.FieldImpact, "this process exits without serving"),
		logging.String(logging.FieldErrorHint, "use the running daemon or run cssmod stop"))
	return err
}

// Serve accepts connections until ctx is canceled or the listener closes,
// then waits for in-flight requests. Accepted requests run to completion even
// after cancellation.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	if listener == nil || s.serving {
		s.mu.Unlock()
		return errors.New("daemon not started or already serving")
	}
	s.serving = true
	done := make(chan struct{})
	s.serveDone = done
	s.mu.Unlock()
	defer close(done)

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	requestCtx := context.WithoutCancel(ctx)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			logging.WarnWithContext(s.logger, "accept failed", "daemon_accept_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "clients may fail to connect"),
				logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
			continue
		}
		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handle(requestCtx, c)
		}(conn)
	}

	s.wg.Wait()
	return nil
}

// Close stops accepting, waits for in-flight requests, removes the socket
// file, and releases the lock. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	lock := s.lock
	done := s.serveDone
	s.mu.Unlock()

	if listener == nil {
		return nil
	}

	var errs []error
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	if done != nil {
		<-done
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WarnWithContext(s.logger, "failed to remove socket", "daemon_socket_cleanup_failed",
			logging.String(logging.FieldSocket, s.socketPath),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale socket blocks future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
		errs = append(errs, fmt.Errorf("remove socket: %w", err))
	}
	if lock != nil {
		if err := lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
	}
	s.logger.Info("daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
		logging.String(logging.FieldSocket, s.socketPath))
	return errors.Join(errs...)
}

type result struct {
	tokens  map[string]string
	hash    string
	outcome journal.Outcome
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	started := time.Now()
	requestID := uuid.NewString()
	logger := s.logger.With(logging.String(logging.FieldRequestID, requestID))
	s.scope.Counter(metrics.Requests).Inc(1)

	_ = conn.SetReadDeadline(started.Add(s.readTimeout))
	req, framing, err := wire.DecodeRequest(conn)
	if err != nil {
		s.fail(ctx, logger, requestID, "", "", started, requestError(BadPayload, "", err))
		return
	}
	logger = logger.With(logging.String(logging.FieldSourceFile, req.SourceFile))
	logger.Debug("request received", logging.String("framing", framing.String()))

	res, err := s.process(ctx, logger, req)
	if err != nil {
		s.fail(ctx, logger, requestID, req.SourceFile, res.hash, started, err)
		return
	}

	body, err := wire.EncodeTokens(res.tokens)
	if err != nil {
		s.fail(ctx, logger, requestID, req.SourceFile, res.hash, started, requestError(TransformFailure, req.SourceFile, err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if _, err := conn.Write(body); err != nil {
		logger.Debug("write response failed", logging.Error(err))
	}

	elapsed := time.Since(started)
	logger.Debug("request served",
		logging.String("outcome", string(res.outcome)),
		logging.Int("token_count", len(res.tokens)),
		logging.Duration("duration", elapsed))
	s.record(ctx, logger, journal.Record{
		At:          started,
		RequestID:   requestID,
		SourcePath:  req.SourceFile,
		ContentHash: res.hash,
		Outcome:     res.outcome,
		Duration:    elapsed,
	})
}

func (s *Server) process(ctx context.Context, logger *slog.Logger, req wire.Request) (result, error) {
	content, err := os.ReadFile(req.SourceFile)
	if err != nil {
		return result{}, requestError(MissingSourceFile, req.SourceFile, fmt.Errorf("read source: %w", err))
	}
	hash := cachestore.ContentHash(content)

	tokens, hit, err := s.store.Lookup(req.SourceFile, hash)
	if err != nil {
		s.errs.Report(err)
		if cachestore.IsCorrupt(err) {
			s.scope.Counter(metrics.CacheCorrupt).Inc(1)
		}
		logging.WarnWithContext(logger, "cache entry unusable", "cache_entry_unusable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "token map recomputed and cache entry overwritten"))
	}
	if hit {
		s.scope.Counter(metrics.CacheHit).Inc(1)
		return result{tokens: tokens, hash: hash, outcome: journal.OutcomeHit}, nil
	}
	s.scope.Counter(metrics.CacheMiss).Inc(1)

	tokens, err = s.transform(ctx, req, content)
	if err != nil {
		return result{hash: hash}, err
	}

	if err := s.store.Save(req.SourceFile, cachestore.Entry{Hash: hash, Tokens: tokens}); err != nil {
		logging.WarnWithContext(logger, "cache write failed", "cache_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "next request for this file recomputes"),
			logging.String(logging.FieldErrorHint, "check scratch directory permissions"))
	}
	return result{tokens: tokens, hash: hash, outcome: journal.OutcomeMiss}, nil
}

func (s *Server) transform(ctx context.Context, req wire.Request, content []byte) (map[string]string, error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.slots }()

	target := pipeline.Target{Dir: filepath.Dir(req.SourceFile)}
	if inline, ok := req.InlineConfig(); ok {
		target.Inline = inline
	} else if path, ok := req.ConfigPath(); ok {
		target.Path = path
	}

	resolved, err := s.resolver.Resolve(ctx, target)
	if err != nil {
		return nil, requestError(ConfigResolutionFailure, req.SourceFile, err)
	}

	var captured map[string]string
	stopwatch := s.scope.Timer(metrics.TransformLatency).Start()
	err = s.transformer.Transform(ctx, resolved, pipeline.Source{Path: req.SourceFile, Content: content},
		func(tokens map[string]string) { captured = tokens })
	stopwatch.Stop()
	if err != nil {
		return nil, requestError(TransformFailure, req.SourceFile, err)
	}
	if captured == nil {
		captured = map[string]string{}
	}
	return captured, nil
}

func (s *Server) fail(ctx context.Context, logger *slog.Logger, requestID, source, hash string, started time.Time, err error) {
	s.scope.Counter(metrics.RequestError).Inc(1)
	s.errs.Report(err)

	kind := "unknown"
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		kind = reqErr.Kind.String()
	}
	logging.WarnWithContext(logger, "request failed", "request_failed",
		logging.String("kind", kind),
		logging.Error(err),
		logging.String(logging.FieldImpact, "client receives an empty response"))

	s.record(ctx, logger, journal.Record{
		At:          started,
		RequestID:   requestID,
		SourcePath:  source,
		ContentHash: hash,
		Outcome:     journal.OutcomeError,
		Duration:    time.Since(started),
		Error:       err.Error(),
	})
}

func (s *Server) record(ctx context.Context, logger *slog.Logger, rec journal.Record) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, rec); err != nil {
		logger.Debug("journal write failed", logging.Error(err))
	}
}
