package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ConfigNames lists discoverable config files in lookup order.
var ConfigNames = []string{
	"cssmod.config.toml",
	".cssmodrc.json",
	".cssmodrc.yaml",
	".cssmodrc.yml",
}

type document struct {
	Steps      []string `toml:"steps" json:"steps" yaml:"steps"`
	ScopedName string   `toml:"scoped_name" json:"scoped_name" yaml:"scoped_name"`
	Prefix     string   `toml:"prefix" json:"prefix" yaml:"prefix"`
	Exclude    []string `toml:"exclude" json:"exclude" yaml:"exclude"`
}

// FileResolver resolves configuration from disk or inline documents.
type FileResolver struct{}

// NewResolver returns the built-in Resolver.
func NewResolver() *FileResolver { return &FileResolver{} }

// Resolve implements Resolver.
func (r *FileResolver) Resolve(ctx context.Context, target Target) (*Resolved, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(target.Inline) > 0 {
		var doc document
		if err := json.Unmarshal(target.Inline, &doc); err != nil {
			return nil, fmt.Errorf("%w: inline config: %v", ErrConfigResolution, err)
		}
		return build("", doc)
	}
	if strings.TrimSpace(target.Path) != "" {
		return r.resolvePath(target.Path)
	}
	if strings.TrimSpace(target.Dir) == "" {
		return nil, fmt.Errorf("%w: no directory to search", ErrConfigResolution)
	}
	return r.discover(target.Dir)
}

func (r *FileResolver) resolvePath(path string) (*Resolved, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigResolution, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigResolution, err)
	}
	if info.IsDir() {
		return r.discover(abs)
	}
	return load(abs)
}

// discover walks from dir to the filesystem root and loads the first config.
func (r *FileResolver) discover(dir string) (*Resolved, error) {
	start, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigResolution, dir, err)
	}
	current := start
	for {
		for _, name := range ConfigNames {
			candidate := filepath.Join(current, name)
			info, err := os.Stat(candidate)
			if err == nil && !info.IsDir() {
				return load(candidate)
			}
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %v", ErrConfigResolution, err)
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return nil, fmt.Errorf("%w: no config file found searching up from %s", ErrConfigResolution, start)
}

func load(path string) (*Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigResolution, err)
	}
	var doc document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigResolution, path, err)
	}
	return build(path, doc)
}

func build(path string, doc document) (*Resolved, error) {
	resolved := &Resolved{
		Path: path,
		Options: Options{
			ScopedName: strings.TrimSpace(doc.ScopedName),
			Prefix:     doc.Prefix,
			Exclude:    doc.Exclude,
		},
	}
	if resolved.Options.ScopedName == "" {
		resolved.Options.ScopedName = DefaultScopedName
	}

	names := doc.Steps
	if len(names) == 0 {
		names = []string{string(StepModules)}
		if doc.Prefix != "" {
			names = append(names, string(StepPrefix))
		}
	}
	for _, name := range names {
		step := Step(strings.ToLower(strings.TrimSpace(name)))
		switch step {
		case StepModules, StepPrefix:
			resolved.Steps = append(resolved.Steps, step)
		default:
			label := path
			if label == "" {
				label = "inline config"
			}
			return nil, fmt.Errorf("%w: %s: unknown step %q", ErrConfigResolution, label, name)
		}
	}
	return resolved, nil
}
