package daemon_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tally "github.com/uber-go/tally/v4"

	"cssmod/internal/cachestore"
	"cssmod/internal/daemon"
	"cssmod/internal/journal"
	"cssmod/internal/logging"
	"cssmod/internal/metrics"
	"cssmod/internal/pipeline"
	"cssmod/internal/wire"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type countingTransformer struct {
	inner pipeline.Transformer
	calls atomic.Int32
	// gate blocks transforms of files named gateName until closed.
	gate     chan struct{}
	gateName string
}

func (c *countingTransformer) Transform(ctx context.Context, r *pipeline.Resolved, src pipeline.Source, extract pipeline.Extract) error {
	c.calls.Add(1)
	if c.gate != nil && filepath.Base(src.Path) == c.gateName {
		<-c.gate
	}
	return c.inner.Transform(ctx, r, src, extract)
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []journal.Record
}

func (m *memoryRecorder) Record(_ context.Context, rec journal.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memoryRecorder) outcomes() []journal.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.Outcome, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Outcome)
	}
	return out
}

type harness struct {
	server      *daemon.Server
	socket      string
	scratch     string
	project     string
	errs        *syncBuffer
	scope       tally.TestScope
	transformer *countingTransformer
	journal     *memoryRecorder
	cancel      context.CancelFunc
	served      chan error
	stopOnce    sync.Once
}

// shortTempDir keeps socket paths under the unix address length limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cssmod")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func copyFixture(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return dst
}

func newHarness(t *testing.T, configure func(*daemon.Options)) *harness {
	t.Helper()
	root := shortTempDir(t)
	project := filepath.Join(root, "project")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	h := &harness{
		socket:      filepath.Join(root, "d.sock"),
		scratch:     filepath.Join(root, "scratch"),
		project:     project,
		errs:        &syncBuffer{},
		scope:       tally.NewTestScope("", nil),
		transformer: &countingTransformer{inner: pipeline.NewTransformer()},
		journal:     &memoryRecorder{},
	}
	opts := daemon.Options{
		SocketPath:    h.socket,
		ScratchDir:    h.scratch,
		Resolver:      pipeline.NewResolver(),
		Transformer:   h.transformer,
		Errors:        logging.NewErrorStream(h.errs),
		Journal:       h.journal,
		Scope:         h.scope,
		MaxTransforms: 2,
		ReadTimeout:   2 * time.Second,
	}
	if configure != nil {
		configure(&opts)
	}
	server, err := daemon.New(opts)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.server = server

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.served = make(chan error, 1)
	go func() { h.served <- server.Serve(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.served
		_ = h.server.Close()
	})
}

func send(t *testing.T, socket string, payload []byte, halfClose bool) string {
	t.Helper()
	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if halfClose {
		if err := conn.(*net.UnixConn).CloseWrite(); err != nil {
			t.Fatalf("CloseWrite: %v", err)
		}
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func sendJSON(t *testing.T, socket, body string) string {
	t.Helper()
	return send(t, socket, []byte(body), true)
}

func request(source, config string) string {
	if config == "" {
		return `{"sourceFile":"` + source + `"}`
	}
	return `{"sourceFile":"` + source + `","config":"` + config + `"}`
}

func counter(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func TestServesTokensForSimpleFixture(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")

	got := sendJSON(t, h.socket, request(css, ""))
	if got != `{"simple":"_simple_jvai8_1"}` {
		t.Fatalf("response = %q", got)
	}
}

func TestExplicitConfigOverride(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	cfgDir := filepath.Join(h.project, "cfg")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	copyFixture(t, cfgDir, "cssmod.config.toml")

	got := sendJSON(t, h.socket, request(css, cfgDir))
	if got != `{"simple":"_simple_jvai8_1"}` {
		t.Fatalf("response = %q", got)
	}
}

func TestCacheHitSkipsTransform(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")

	first := sendJSON(t, h.socket, request(css, ""))
	second := sendJSON(t, h.socket, request(css, ""))
	if first != second {
		t.Fatalf("responses differ: %q vs %q", first, second)
	}
	if calls := h.transformer.calls.Load(); calls != 1 {
		t.Fatalf("transform calls = %d, want 1", calls)
	}
	if hits := counter(h.scope, metrics.CacheHit); hits != 1 {
		t.Fatalf("cache_hit = %d", hits)
	}
	if misses := counter(h.scope, metrics.CacheMiss); misses != 1 {
		t.Fatalf("cache_miss = %d", misses)
	}
	entry, err := h.server.Store().Load(css)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, _ := os.ReadFile(css)
	if entry.Hash != cachestore.ContentHash(data) {
		t.Fatalf("stored hash = %q", entry.Hash)
	}
}

func TestEditedSourceIsRecomputed(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")

	sendJSON(t, h.socket, request(css, ""))
	if err := os.WriteFile(css, []byte(".simple {}\n.added {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := sendJSON(t, h.socket, request(css, ""))
	if !strings.Contains(got, `"added":"_added_`) {
		t.Fatalf("response = %q", got)
	}
	if calls := h.transformer.calls.Load(); calls != 2 {
		t.Fatalf("transform calls = %d, want 2", calls)
	}
}

func TestCorruptCacheIsRecomputedAndOverwritten(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")
	cachePath := h.server.Store().PathFor(css)
	if err := os.WriteFile(cachePath, []byte("{corrupt"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := sendJSON(t, h.socket, request(css, ""))
	if got != `{"simple":"_simple_jvai8_1"}` {
		t.Fatalf("response = %q", got)
	}
	if !strings.Contains(h.errs.String(), "cssmod: cache entry") {
		t.Fatalf("corrupt entry not reported: %q", h.errs.String())
	}
	if n := counter(h.scope, metrics.CacheCorrupt); n != 1 {
		t.Fatalf("cache_corrupt = %d", n)
	}
	if _, err := h.server.Store().Load(css); err != nil {
		t.Fatalf("entry not overwritten: %v", err)
	}
}

func TestRequestFailuresYieldEmptyResponse(t *testing.T) {
	tests := []struct {
		name    string
		payload func(t *testing.T, h *harness) string
		message string
	}{
		{
			name: "missing source file",
			payload: func(t *testing.T, h *harness) string {
				copyFixture(t, h.project, "cssmod.config.toml")
				return request(filepath.Join(h.project, "nofile"), "")
			},
			message: "no such file",
		},
		{
			name: "missing config",
			payload: func(t *testing.T, h *harness) string {
				css := copyFixture(t, h.project, "simple.css")
				return request(css, filepath.Join(h.project, "nofile"))
			},
			message: "could not resolve config",
		},
		{
			name: "invalid css",
			payload: func(t *testing.T, h *harness) string {
				copyFixture(t, h.project, "cssmod.config.toml")
				return request(copyFixture(t, h.project, "invalid.css"), "")
			},
			message: "transform failed",
		},
		{
			name:    "bad payload",
			payload: func(*testing.T, *harness) string { return `{"sourceFile":` },
			message: "bad payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			got := sendJSON(t, h.socket, tt.payload(t, h))
			if got != "" {
				t.Fatalf("expected empty response, got %q", got)
			}
			logged := h.errs.String()
			if !strings.HasPrefix(logged, logging.ErrorPrefix) || !strings.Contains(strings.ToLower(logged), tt.message) {
				t.Fatalf("error stream = %q, want %q", logged, tt.message)
			}
			if n := counter(h.scope, metrics.RequestError); n != 1 {
				t.Fatalf("request_error = %d", n)
			}

			// The daemon keeps serving after a failure.
			css := copyFixture(t, h.project, "simple.css")
			copyFixture(t, h.project, "cssmod.config.toml")
			if got := sendJSON(t, h.socket, request(css, "")); got != `{"simple":"_simple_jvai8_1"}` {
				t.Fatalf("follow-up response = %q", got)
			}
		})
	}
}

func TestCBORFramingNeedsNoHalfClose(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")

	payload, err := wire.EncodeRequest(wire.Request{SourceFile: css}, wire.FramingCBOR)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if got := send(t, h.socket, payload, false); got != `{"simple":"_simple_jvai8_1"}` {
		t.Fatalf("response = %q", got)
	}
}

func TestJournalRecordsOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")

	sendJSON(t, h.socket, request(css, ""))
	sendJSON(t, h.socket, request(css, ""))
	sendJSON(t, h.socket, request(filepath.Join(h.project, "gone.css"), ""))

	want := []journal.Outcome{journal.OutcomeMiss, journal.OutcomeHit, journal.OutcomeError}
	got := h.journal.outcomes()
	if len(got) != len(want) {
		t.Fatalf("outcomes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outcomes = %v, want %v", got, want)
		}
	}
}

func TestSlowTransformDoesNotBlockCacheHits(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(o *daemon.Options) {
		o.MaxTransforms = 1
		counting := o.Transformer.(*countingTransformer)
		counting.gate = gate
		counting.gateName = "other.css"
	})
	css := copyFixture(t, h.project, "simple.css")
	copyFixture(t, h.project, "cssmod.config.toml")
	sendJSON(t, h.socket, request(css, ""))

	other := filepath.Join(h.project, "other.css")
	if err := os.WriteFile(other, []byte(".other {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)
	slow := make(chan string, 1)
	go func() {
		conn, err := net.Dial("unix", h.socket)
		if err != nil {
			slow <- err.Error()
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(request(other, "")))
		_ = conn.(*net.UnixConn).CloseWrite()
		data, _ := io.ReadAll(conn)
		slow <- string(data)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.transformer.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("slow transform never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := sendJSON(t, h.socket, request(css, "")); got != `{"simple":"_simple_jvai8_1"}` {
		t.Fatalf("cache hit blocked or wrong: %q", got)
	}
	release()
	if got := <-slow; !strings.Contains(got, `"other"`) {
		t.Fatalf("slow response = %q", got)
	}
}

func TestStartRefusesExistingSocketFile(t *testing.T) {
	root := shortTempDir(t)
	socket := filepath.Join(root, "d.sock")
	if err := os.WriteFile(socket, []byte("owned elsewhere"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errs syncBuffer
	server, err := daemon.New(daemon.Options{
		SocketPath:  socket,
		ScratchDir:  filepath.Join(root, "scratch"),
		Resolver:    pipeline.NewResolver(),
		Transformer: pipeline.NewTransformer(),
		Errors:      logging.NewErrorStreamColor(&errs, true),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = server.Start()
	if !daemon.IsAlreadyRunning(err) {
		t.Fatalf("expected AlreadyRunning, got %v", err)
	}
	var startErr *daemon.StartupError
	if !errors.As(err, &startErr) || startErr.Kind != daemon.AlreadyRunning {
		t.Fatalf("expected StartupError, got %T", err)
	}
	want := "\x1b[31mcssmod: server already running on socket " + socket + "\x1b[0m\n"
	if errs.String() != want {
		t.Fatalf("error stream = %q, want %q", errs.String(), want)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(socket)
	if err != nil || string(data) != "owned elsewhere" {
		t.Fatalf("existing socket file disturbed: %q, %v", data, err)
	}
}

func TestSecondServerOnSameScratchIsAlreadyRunning(t *testing.T) {
	h := newHarness(t, nil)
	other, err := daemon.New(daemon.Options{
		SocketPath:  h.socket + "2",
		ScratchDir:  h.scratch,
		Resolver:    pipeline.NewResolver(),
		Transformer: pipeline.NewTransformer(),
		Errors:      logging.NewErrorStream(io.Discard),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := other.Start(); !daemon.IsAlreadyRunning(err) {
		t.Fatalf("expected AlreadyRunning, got %v", err)
	}
}

func TestStartFailsWhenScratchIsAFile(t *testing.T) {
	root := shortTempDir(t)
	scratch := filepath.Join(root, "scratch")
	if err := os.WriteFile(scratch, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	server, err := daemon.New(daemon.Options{
		SocketPath:  filepath.Join(root, "d.sock"),
		ScratchDir:  scratch,
		Resolver:    pipeline.NewResolver(),
		Transformer: pipeline.NewTransformer(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var startErr *daemon.StartupError
	if err := server.Start(); !errors.As(err, &startErr) || startErr.Kind != daemon.DirectoryCreateFailure {
		t.Fatalf("expected DirectoryCreateFailure, got %v", err)
	}
}

func TestStartFailsWhenSocketDirectoryMissing(t *testing.T) {
	root := shortTempDir(t)
	server, err := daemon.New(daemon.Options{
		SocketPath:  filepath.Join(root, "absent", "d.sock"),
		ScratchDir:  filepath.Join(root, "scratch"),
		Resolver:    pipeline.NewResolver(),
		Transformer: pipeline.NewTransformer(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var startErr *daemon.StartupError
	if err := server.Start(); !errors.As(err, &startErr) || startErr.Kind != daemon.BindFailure {
		t.Fatalf("expected BindFailure, got %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCloseRemovesSocketAndAllowsRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.stop()
	if _, err := os.Stat(h.socket); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket still present: %v", err)
	}
	if err := h.server.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	again, err := daemon.New(daemon.Options{
		SocketPath:  h.socket,
		ScratchDir:  h.scratch,
		Resolver:    pipeline.NewResolver(),
		Transformer: pipeline.NewTransformer(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := again.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := again.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
