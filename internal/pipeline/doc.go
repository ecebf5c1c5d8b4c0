// Package pipeline turns a stylesheet into a token map: local class names
// mapped to generated, scoped names.
//
// The daemon depends only on the Resolver and Transformer interfaces. The
// built-in implementations resolve a config document (discovered on disk,
// named explicitly, or passed inline) and run its ordered steps:
//
//  1. modules: lex the CSS, collect class selectors, generate scoped names
//     from the scoped_name template
//  2. prefix: prepend a fixed string to every generated name
//
// Config files are looked up from the stylesheet's directory toward the
// filesystem root. The first directory holding any of cssmod.config.toml,
// .cssmodrc.json (comments allowed), .cssmodrc.yaml, or .cssmodrc.yml wins.
package pipeline
