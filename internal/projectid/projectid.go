// Package projectid derives the per-project daemon rendezvous: a socket address
// and scratch directory that every host process working in the same project
// computes identically.
package projectid

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// DefaultRoot is where sockets and scratch directories live unless configured otherwise.
	DefaultRoot = "/tmp"
	// Prefix starts every socket and scratch name.
	Prefix = "cssmod-"

	maxIDLen  = 64
	emptyID   = "project"
	digestLen = 8
)

// Paths is the rendezvous for one project.
type Paths struct {
	ID      string
	Socket  string
	Scratch string
}

// Sanitize lower-cases project and strips every character outside a-z.
// Identifiers longer than the unix socket budget allows are shortened and
// suffixed with a digest of the full identifier.
func Sanitize(project string) string {
	lowered := cases.Lower(language.Und).String(project)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if id == "" {
		return emptyID
	}
	if len(id) > maxIDLen {
		sum := blake3.Sum256([]byte(id))
		id = id[:maxIDLen-digestLen-1] + "-" + hex.EncodeToString(sum[:])[:digestLen]
	}
	return id
}

// For returns the rendezvous of project under root.
func For(root, project string) (Paths, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = DefaultRoot
	}
	if !filepath.IsAbs(root) {
		return Paths{}, fmt.Errorf("socket root %q must be absolute", root)
	}
	id := Sanitize(project)
	base := filepath.Join(root, Prefix+id)
	return Paths{ID: id, Socket: base + ".sock", Scratch: base}, nil
}

// Current returns the rendezvous for the working directory.
func Current(root string) (Paths, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve working directory: %w", err)
	}
	if wd == "" {
		return Paths{}, errors.New("resolve working directory: empty path")
	}
	return For(root, wd)
}
