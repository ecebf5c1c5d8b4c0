package cachestore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"cssmod/internal/logging"
)

const (
	// Suffix ends every cache file name.
	Suffix = ".cache"

	maxKeyLetters = 120
	keyDigestLen  = 8
)

// ErrNotFound reports that no entry exists for a source file.
var ErrNotFound = errors.New("cache entry not found")

// ErrDirectoryCreate reports that the scratch directory could not be created.
var ErrDirectoryCreate = errors.New("create scratch directory")

// Kind classifies cache failures. All kinds are non-fatal to a request.
type Kind int

const (
	UnreadableEntry Kind = iota + 1
	CorruptEntry
)

func (k Kind) String() string {
	switch k {
	case UnreadableEntry:
		return "unreadable_entry"
	case CorruptEntry:
		return "corrupt_entry"
	default:
		return "unknown"
	}
}

// CacheError describes an entry that exists but cannot be used.
type CacheError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache entry %s %s: %v", e.Path, strings.ReplaceAll(e.Kind.String(), "_", " "), e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a CacheError of kind CorruptEntry.
func IsCorrupt(err error) bool {
	var cacheErr *CacheError
	return errors.As(err, &cacheErr) && cacheErr.Kind == CorruptEntry
}

// Entry is the on-disk record for one source file.
type Entry struct {
	Hash   string            `json:"hash"`
	Tokens map[string]string `json:"tokens"`
}

// Listing describes one cache file for display.
type Listing struct {
	Key      string
	Hash     string
	Tokens   int
	Size     int64
	Modified time.Time
	Corrupt  bool
}

// Store reads and writes cache entries beneath a scratch directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New returns a store rooted at dir. The directory is not created; call
// EnsureDir at startup.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{dir: dir, logger: logging.NewComponentLogger(logger, "cachestore")}
}

// Dir returns the scratch directory.
func (s *Store) Dir() string { return s.dir }

// ContentHash fingerprints source bytes as a hex BLAKE3-256 digest.
func ContentHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyFor derives the cache file name for an absolute source path: its letters,
// a short digest of the full path, and Suffix.
func KeyFor(sourcePath string) string {
	var b strings.Builder
	for _, r := range sourcePath {
		if b.Len() >= maxKeyLetters {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	sum := blake3.Sum256([]byte(sourcePath))
	return b.String() + "-" + hex.EncodeToString(sum[:])[:keyDigestLen] + Suffix
}

// PathFor returns the cache file path for a source file.
func (s *Store) PathFor(sourcePath string) string {
	return filepath.Join(s.dir, KeyFor(sourcePath))
}

// EnsureDir creates dir if needed. An existing directory is not an error.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrDirectoryCreate, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w %s: not a directory", ErrDirectoryCreate, dir)
	}
	return nil
}

// Load reads the entry for sourcePath.
func (s *Store) Load(sourcePath string) (Entry, error) {
	path := s.PathFor(sourcePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, &CacheError{Kind: UnreadableEntry, Path: path, Err: err}
	}
	return decodeEntry(path, data)
}

func decodeEntry(path string, data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, &CacheError{Kind: CorruptEntry, Path: path, Err: err}
	}
	if strings.TrimSpace(entry.Hash) == "" {
		return Entry{}, &CacheError{Kind: CorruptEntry, Path: path, Err: errors.New("missing hash")}
	}
	if entry.Tokens == nil {
		entry.Tokens = map[string]string{}
	}
	return entry, nil
}

// Lookup returns the cached tokens when the stored hash equals hash. A missing,
// stale, unreadable, or corrupt entry is a miss; the latter two also return
// their CacheError so callers can log it.
func (s *Store) Lookup(sourcePath, hash string) (map[string]string, bool, error) {
	entry, err := s.Load(sourcePath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if entry.Hash != hash {
		s.logger.Debug("cache entry stale",
			logging.String(logging.FieldSourceFile, sourcePath),
			logging.String("stored_hash", entry.Hash))
		return nil, false, nil
	}
	return entry.Tokens, true, nil
}

// Save overwrites the entry for sourcePath atomically.
func (s *Store) Save(sourcePath string, entry Entry) error {
	if entry.Tokens == nil {
		entry.Tokens = map[string]string{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	path := s.PathFor(sourcePath)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp cache file: %w", err)
	}

	s.logger.Debug("cached token map",
		logging.String(logging.FieldSourceFile, sourcePath),
		logging.Int("token_count", len(entry.Tokens)))
	return nil
}

// List returns every cache file sorted by modification time, newest first.
// Corrupt files are included and flagged.
func (s *Store) List() ([]Listing, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scratch directory: %w", err)
	}

	listings := make([]Listing, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), Suffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		listing := Listing{Key: de.Name(), Size: info.Size(), Modified: info.ModTime()}
		data, err := os.ReadFile(path)
		if err != nil {
			listing.Corrupt = true
		} else if entry, err := decodeEntry(path, data); err != nil {
			listing.Corrupt = true
		} else {
			listing.Hash = entry.Hash
			listing.Tokens = len(entry.Tokens)
		}
		listings = append(listings, listing)
	}

	sort.Slice(listings, func(i, j int) bool {
		return listings[i].Modified.After(listings[j].Modified)
	})
	return listings, nil
}

// Clear removes every cache file and returns how many were deleted.
func (s *Store) Clear() (int, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch directory: %w", err)
	}
	removed := 0
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), Suffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove cache file: %w", err)
		}
		removed++
	}
	s.logger.Debug("cleared token cache", logging.Int("removed", removed))
	return removed, nil
}
