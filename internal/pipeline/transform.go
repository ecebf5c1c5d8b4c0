package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// ModulesTransformer is the built-in Transformer.
type ModulesTransformer struct{}

// NewTransformer returns the built-in Transformer.
func NewTransformer() *ModulesTransformer { return &ModulesTransformer{} }

// Transform implements Transformer. extract is called once, only on success.
func (m *ModulesTransformer) Transform(ctx context.Context, resolved *Resolved, src Source, extract Extract) error {
	if resolved == nil {
		return fmt.Errorf("%w: no resolved config", ErrTransform)
	}
	tokens := map[string]string{}
	for _, step := range resolved.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch step {
		case StepModules:
			classes, err := ClassNames(src.Content)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrTransform, src.Path, err)
			}
			scope := newScoper(resolved.Options.ScopedName, src)
			excluded := make(map[string]struct{}, len(resolved.Options.Exclude))
			for _, name := range resolved.Options.Exclude {
				excluded[name] = struct{}{}
			}
			for _, class := range classes {
				if _, skip := excluded[class]; skip {
					continue
				}
				tokens[class] = scope.name(class)
			}
		case StepPrefix:
			for class, generated := range tokens {
				tokens[class] = resolved.Options.Prefix + generated
			}
		default:
			return fmt.Errorf("%w: unknown step %q", ErrTransform, step)
		}
	}
	if extract != nil {
		extract(tokens)
	}
	return nil
}

// ClassNames returns the class selectors in css in order of first appearance.
// Unbalanced braces and malformed tokens are errors.
func ClassNames(content []byte) ([]string, error) {
	lexer := css.NewLexer(parse.NewInput(bytes.NewReader(content)))
	var (
		classes  []string
		seen     = map[string]struct{}{}
		depth    int
		afterDot bool
	)
	for {
		tt, data := lexer.Next()
		switch tt {
		case css.ErrorToken:
			if err := lexer.Err(); err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			if depth != 0 {
				return nil, fmt.Errorf("unbalanced braces: %d block(s) left open", depth)
			}
			return classes, nil
		case css.BadStringToken, css.BadURLToken:
			return nil, fmt.Errorf("malformed token %q", data)
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced braces: unexpected '}'")
			}
		case css.IdentToken:
			if afterDot {
				name := string(data)
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					classes = append(classes, name)
				}
			}
		}
		afterDot = tt == css.DelimToken && len(data) == 1 && data[0] == '.'
	}
}

var placeholderPattern = regexp.MustCompile(`\[(local|name|hash|line)(?::(\d+))?\]`)

type scoper struct {
	template string
	basename string
	text     string
	hash     string
}

func newScoper(template string, src Source) scoper {
	if template == "" {
		template = DefaultScopedName
	}
	base := filepath.Base(src.Path)
	text := string(src.Content)
	return scoper{
		template: template,
		basename: strings.TrimSuffix(base, filepath.Ext(base)),
		text:     text,
		hash:     strconv.FormatUint(uint64(StringHash(text)), 36),
	}
}

func (s scoper) name(class string) string {
	return placeholderPattern.ReplaceAllStringFunc(s.template, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		var value string
		switch parts[1] {
		case "local":
			value = class
		case "name":
			value = s.basename
		case "hash":
			value = s.hash
		case "line":
			value = strconv.Itoa(lineOf(s.text, "."+class))
		}
		if parts[2] != "" {
			if n, err := strconv.Atoi(parts[2]); err == nil && n < len(value) {
				value = value[:n]
			}
		}
		return value
	})
}

// lineOf counts line separators before the first occurrence of needle. CR and
// LF each count, so CRLF files report the same numbers as a split on [\r\n].
func lineOf(text, needle string) int {
	idx := strings.Index(text, needle)
	if idx < 0 {
		idx = 0
	}
	return 1 + strings.Count(text[:idx], "\n") + strings.Count(text[:idx], "\r")
}

// StringHash is the djb2 xor variant over UTF-16 code units, iterated from the
// end of the string.
func StringHash(text string) uint32 {
	units := utf16.Encode([]rune(text))
	hash := uint32(5381)
	for i := len(units) - 1; i >= 0; i-- {
		hash = (hash * 33) ^ uint32(units[i])
	}
	return hash
}
