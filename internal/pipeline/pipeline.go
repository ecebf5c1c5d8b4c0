package pipeline

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrConfigResolution wraps every failure to locate or parse a config.
	ErrConfigResolution = errors.New("could not resolve config")
	// ErrTransform wraps every failure while running steps.
	ErrTransform = errors.New("transform failed")
)

// Step names one stage of a resolved pipeline.
type Step string

const (
	StepModules Step = "modules"
	StepPrefix  Step = "prefix"
)

// DefaultScopedName reproduces `_<class>_<5 hash chars>_<line>`.
const DefaultScopedName = "_[local]_[hash:5]_[line]"

// Options tune the built-in steps.
type Options struct {
	ScopedName string
	Prefix     string
	Exclude    []string
}

// Resolved is a ready-to-run pipeline.
type Resolved struct {
	// Path is the config file used, empty for inline documents.
	Path    string
	Steps   []Step
	Options Options
}

// Target says where a Resolver should look for configuration. Inline wins
// over Path, and Path wins over discovery from Dir.
type Target struct {
	Dir    string
	Path   string
	Inline json.RawMessage
}

// Source is the stylesheet being transformed.
type Source struct {
	Path    string
	Content []byte
}

// Extract receives the token map produced by a successful transform.
type Extract func(tokens map[string]string)

// Resolver locates and parses pipeline configuration.
type Resolver interface {
	Resolve(ctx context.Context, target Target) (*Resolved, error)
}

// Transformer runs a resolved pipeline over one source.
type Transformer interface {
	Transform(ctx context.Context, resolved *Resolved, src Source, extract Extract) error
}
