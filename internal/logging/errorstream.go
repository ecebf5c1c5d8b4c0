package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// ErrorPrefix starts every line written to an ErrorStream.
const ErrorPrefix = "cssmod: "

const (
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"
)

// ErrorStream writes human-readable failure lines for whoever launched the
// daemon. Lines are colored red when the underlying writer is a terminal.
type ErrorStream struct {
	mu       sync.Mutex
	writer   io.Writer
	colorize bool
}

// NewErrorStream wraps w. A nil writer discards output.
func NewErrorStream(w io.Writer) *ErrorStream {
	if w == nil {
		w = io.Discard
	}
	return &ErrorStream{writer: w, colorize: IsTerminal(w)}
}

// NewErrorStreamColor wraps w with an explicit color decision.
func NewErrorStreamColor(w io.Writer, colorize bool) *ErrorStream {
	if w == nil {
		w = io.Discard
	}
	return &ErrorStream{writer: w, colorize: colorize}
}

// Report writes err's message. Nil errors are ignored.
func (s *ErrorStream) Report(err error) {
	if s == nil || err == nil {
		return
	}
	s.Printf("%s", err.Error())
}

// Printf formats one line, prefixing and coloring it.
func (s *ErrorStream) Printf(format string, args ...any) {
	if s == nil {
		return
	}
	line := ErrorPrefix + strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if s.colorize {
		line = ansiRed + line + ansiReset
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.writer, line+"\n")
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
