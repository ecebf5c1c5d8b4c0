// Package main hosts the cssmod CLI entrypoint and command graph.
//
// The hidden daemon subcommand is the long-lived server a host spawns; the
// client and tokens subcommands talk to it over the project socket. The
// remaining commands manage detached daemons, inspect the cache and request
// journal, and scaffold configuration.
package main
