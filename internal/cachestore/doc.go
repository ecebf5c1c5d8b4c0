// Package cachestore persists token maps per stylesheet so the daemon can skip
// the transform pipeline when a source file has not changed.
//
// Each source file owns one JSON file in the scratch directory holding the
// content hash the tokens were computed from. An entry is valid only while
// that hash matches the current file contents. Writes go through a temp file
// and rename so concurrent writers to the same key never leave a torn file;
// the last writer wins.
package cachestore
