// Package wire defines the daemon's request and response payloads and the two
// request framings it accepts on a connection.
//
// Half-close framing: the client writes a JSON document and shuts down its
// write side; the daemon reads to EOF. CBOR framing: the client writes exactly
// one CBOR map, which is self-delimiting, so no half-close is needed. In both
// framings the response is the token map as compact JSON, terminated by the
// daemon closing the connection.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// MaxRequestSize bounds a single request in either framing.
const MaxRequestSize = 1024 * 1024

// ErrBadPayload marks a request that could not be decoded or is missing
// required fields.
var ErrBadPayload = errors.New("bad payload")

// Framing selects how a request's end is detected.
type Framing int

const (
	// FramingHalfClose reads JSON until the peer half-closes the connection.
	FramingHalfClose Framing = iota
	// FramingCBOR reads exactly one CBOR value.
	FramingCBOR
)

func (f Framing) String() string {
	switch f {
	case FramingCBOR:
		return "cbor"
	default:
		return "halfclose"
	}
}

// ParseFraming maps a configuration value to a Framing.
func ParseFraming(value string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "halfclose":
		return FramingHalfClose, nil
	case "cbor":
		return FramingCBOR, nil
	default:
		return FramingHalfClose, fmt.Errorf("unknown framing %q", value)
	}
}

// Tokens maps original class names to generated names.
type Tokens map[string]string

// Request asks the daemon for the token map of one stylesheet.
type Request struct {
	// SourceFile is the absolute path of the stylesheet.
	SourceFile string
	// Config is absent/null, a JSON string naming a config file or
	// directory, or a JSON object holding an inline config document.
	Config json.RawMessage
}

// ConfigPath returns the override path when Config is a string.
func (r Request) ConfigPath() (string, bool) {
	if !isJSONString(r.Config) {
		return "", false
	}
	var path string
	if err := json.Unmarshal(r.Config, &path); err != nil {
		return "", false
	}
	return path, true
}

// InlineConfig returns the override document when Config is an object.
func (r Request) InlineConfig() (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(r.Config)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	return trimmed, true
}

type jsonRequest struct {
	SourceFile string          `json:"sourceFile,omitempty"`
	CSSFile    string          `json:"cssFile,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

type cborRequest struct {
	SourceFile string `cbor:"sourceFile,omitempty"`
	CSSFile    string `cbor:"cssFile,omitempty"`
	Config     any    `cbor:"config,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// DecodeRequest reads one request from r, choosing the framing from the first
// byte: a CBOR map header selects CBOR, anything else is read to EOF as JSON.
func DecodeRequest(r io.Reader) (Request, Framing, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxRequestSize+1))
	first, err := br.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Request{}, FramingHalfClose, fmt.Errorf("%w: empty request", ErrBadPayload)
		}
		return Request{}, FramingHalfClose, fmt.Errorf("read request: %w", err)
	}

	if isCBORMapHeader(first[0]) {
		req, err := decodeCBOR(br)
		return req, FramingCBOR, err
	}
	req, err := decodeJSON(br)
	return req, FramingHalfClose, err
}

func decodeJSON(r io.Reader) (Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	if len(data) > MaxRequestSize {
		return Request{}, fmt.Errorf("%w: request exceeds %d bytes", ErrBadPayload, MaxRequestSize)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Request{}, fmt.Errorf("%w: empty request", ErrBadPayload)
	}
	var raw jsonRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	req := Request{SourceFile: firstNonEmpty(raw.SourceFile, raw.CSSFile)}
	if trimmed := bytes.TrimSpace(raw.Config); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		req.Config = append(json.RawMessage(nil), trimmed...)
	}
	return req, validate(req)
}

func decodeCBOR(r io.Reader) (Request, error) {
	var raw cborRequest
	if err := decMode.NewDecoder(r).Decode(&raw); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	req := Request{SourceFile: firstNonEmpty(raw.SourceFile, raw.CSSFile)}
	if raw.Config != nil {
		data, err := json.Marshal(raw.Config)
		if err != nil {
			return Request{}, fmt.Errorf("%w: config: %v", ErrBadPayload, err)
		}
		req.Config = data
	}
	return req, validate(req)
}

func validate(req Request) error {
	if strings.TrimSpace(req.SourceFile) == "" {
		return fmt.Errorf("%w: missing sourceFile", ErrBadPayload)
	}
	if !filepath.IsAbs(req.SourceFile) {
		return fmt.Errorf("%w: sourceFile %q is not absolute", ErrBadPayload, req.SourceFile)
	}
	if len(req.Config) > 0 {
		if _, ok := req.ConfigPath(); ok {
			return nil
		}
		if _, ok := req.InlineConfig(); ok {
			return nil
		}
		return fmt.Errorf("%w: config must be a path or an object", ErrBadPayload)
	}
	return nil
}

// EncodeRequest renders req in the given framing.
func EncodeRequest(req Request, framing Framing) ([]byte, error) {
	if framing == FramingCBOR {
		out := cborRequest{SourceFile: req.SourceFile}
		if len(req.Config) > 0 {
			var cfg any
			if err := json.Unmarshal(req.Config, &cfg); err != nil {
				return nil, fmt.Errorf("encode config: %w", err)
			}
			out.Config = cfg
		}
		return encMode.Marshal(out)
	}
	return json.Marshal(jsonRequest{SourceFile: req.SourceFile, Config: req.Config})
}

// EncodeTokens renders a token map as compact JSON with sorted keys. A nil map
// encodes as an empty object.
func EncodeTokens(tokens Tokens) ([]byte, error) {
	if tokens == nil {
		tokens = Tokens{}
	}
	return json.Marshal(tokens)
}

// isCBORMapHeader reports whether b starts a CBOR map (major type 5).
func isCBORMapHeader(b byte) bool {
	return b >= 0xA0 && b <= 0xBF
}

func isJSONString(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
