package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"cssmod/internal/logging"
	"cssmod/internal/wire"
)

// Exhaustion selects what a call returns once the retry ladder is used up.
type Exhaustion int

const (
	// ExhaustSilent ends the call with no output and no error.
	ExhaustSilent Exhaustion = iota
	// ExhaustError ends the call with ErrDaemonUnreachable.
	ExhaustError
)

// ParseExhaustion maps a configuration value to an Exhaustion.
func ParseExhaustion(value string) (Exhaustion, error) {
	switch value {
	case "", "silent":
		return ExhaustSilent, nil
	case "error":
		return ExhaustError, nil
	default:
		return ExhaustSilent, fmt.Errorf("unknown exhaustion mode %q", value)
	}
}

// ErrDaemonUnreachable reports that every attempt hit a recoverable failure.
var ErrDaemonUnreachable = errors.New("daemon unreachable")

// ConnectError wraps a connection failure with its classification.
type ConnectError struct {
	Recoverable bool
	Socket      string
	Err         error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to daemon at %s: %v", e.Socket, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err means the daemon is not listening yet.
func IsRecoverable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, os.ErrNotExist)
}

// DialFunc opens a connection to a unix socket.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client sends requests to one daemon socket.
type Client struct {
	SocketPath  string
	Framing     wire.Framing
	Backoff     Backoff
	OnExhausted Exhaustion
	Dial        DialFunc
	Logger      *slog.Logger
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a client with the default ladder and silent exhaustion.
func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Backoff: DefaultBackoff()}
}

// Do sends payload and copies the response to out. Recoverable connection
// failures are retried per Backoff; other failures return a *ConnectError
// immediately.
func (c *Client) Do(ctx context.Context, payload []byte, out io.Writer) error {
	logger := c.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "client")

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.once(ctx, payload, out)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !IsRecoverable(err) {
			return &ConnectError{Recoverable: false, Socket: c.SocketPath, Err: err}
		}
		lastErr = err
		if attempt >= c.Backoff.Retries {
			break
		}
		delay := c.Backoff.Delay(attempt)
		logger.Debug("daemon not reachable, retrying",
			logging.String(logging.FieldSocket, c.SocketPath),
			logging.Int("attempt", attempt+1),
			logging.Duration("delay", delay),
			logging.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}

	if c.OnExhausted == ExhaustError {
		return fmt.Errorf("%w after %d attempts: %w", ErrDaemonUnreachable, c.Backoff.Retries+1,
			&ConnectError{Recoverable: true, Socket: c.SocketPath, Err: lastErr})
	}
	logger.Debug("daemon unreachable, returning empty response",
		logging.String(logging.FieldSocket, c.SocketPath),
		logging.Error(lastErr))
	return nil
}

// Tokens encodes req, sends it, and decodes the token map. An empty response
// yields nil tokens and no error.
func (c *Client) Tokens(ctx context.Context, req wire.Request) (wire.Tokens, error) {
	payload, err := wire.EncodeRequest(req, c.Framing)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var buf bytes.Buffer
	if err := c.Do(ctx, payload, &buf); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	var tokens wire.Tokens
	if err := json.Unmarshal(buf.Bytes(), &tokens); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return tokens, nil
}

func (c *Client) once(ctx context.Context, payload []byte, out io.Writer) error {
	dial := c.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(ctx, "unix", c.SocketPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if c.Framing == wire.FramingHalfClose {
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			if err := hc.CloseWrite(); err != nil {
				return fmt.Errorf("half-close: %w", err)
			}
		}
	}
	if _, err := io.Copy(out, conn); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
