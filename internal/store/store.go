package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	cerr "github.com/entrolution/causantic/internal/errors"
)

// Store wraps the SQLite database. One writer at a time at the database
// level; reads run under WAL snapshot isolation.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool

	ftsAvailable bool
	fallback     LexicalIndex // non-nil only when FTS5 was unavailable
	cipher       *dbCipher    // non-nil when at-rest encryption is on

	// onChunksChanged is invoked after any chunk insert/delete so the
	// process-wide projects cache can be invalidated.
	onChunksChanged func()
}

// Options configures Open.
type Options struct {
	// Key is the raw 32-byte at-rest encryption key; nil disables
	// encryption.
	Key []byte

	// LexicalFallbackPath is where the fallback lexical index lives when
	// FTS5 is unavailable. Empty disables the fallback (fts_search then
	// degrades to an empty result).
	LexicalFallbackPath string
}

// Open opens (or creates) the database at path, applies pragmas, runs
// migrations, and prepares the full-text index.
//
// When opts.Key is set the at-rest artifact is the ChaCha20-Poly1305
// sealed file next to path; it is unsealed into a private working file
// before any pragma or query runs and sealed back on Close. A key that
// fails to authenticate the sealed file is a fatal crypto error, as is a
// sealed file with no key.
func Open(path string, opts Options) (*Store, error) {
	var dsn string
	var cipher *dbCipher
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, cerr.Wrap(cerr.KindInternal, err)
		}
		if len(opts.Key) > 0 {
			c, err := unsealDatabase(path, opts.Key)
			if err != nil {
				return nil, err
			}
			cipher = c
		} else if fileExistsAt(sealedDBPath(path)) {
			return nil, cerr.Crypto("database is encrypted and no key was provided", nil).
				WithSuggestion("enable encryption in the configuration and provide the key")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cerr.New(cerr.KindCorruption, fmt.Sprintf("open database: %v", err), err)
	}

	// Single writer prevents lock contention; WAL readers are unaffected.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536", // 64MB (negative = KB)
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, cerr.New(cerr.KindCorruption, fmt.Sprintf("set pragma: %v", err), err)
		}
	}

	s := &Store{db: db, path: path, cipher: cipher}

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if !s.ftsAvailable && opts.LexicalFallbackPath != "" {
		idx, err := NewBleveIndex(opts.LexicalFallbackPath)
		if err != nil {
			slog.Warn("lexical_fallback_unavailable", slog.String("error", err.Error()))
		} else {
			s.fallback = idx
		}
	}

	return s, nil
}

// OpenInMemory returns an in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open("", Options{})
}

// SetChangeNotifier registers the callback invoked after chunk inserts and
// deletes (the projects-cache invalidation hook).
func (s *Store) SetChangeNotifier(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChunksChanged = fn
}

func (s *Store) notifyChunksChanged() {
	if s.onChunksChanged != nil {
		s.onChunksChanged()
	}
}

// Vacuum compacts the database file.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cerr.Invalid("store is closed")
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return classifySQLError(err, "vacuum")
	}
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.fallback != nil {
		_ = s.fallback.Close()
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	if s.cipher != nil {
		if sealErr := s.cipher.seal(); sealErr != nil {
			if err == nil {
				err = sealErr
			}
		}
	}
	return err
}

// withTx runs fn inside a write transaction, serialized by the store mutex.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cerr.Invalid("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLError(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLError(err, "commit")
	}
	return nil
}

// classifySQLError maps driver errors to the engine's error kinds.
// SQLITE_BUSY/LOCKED are transient; malformed/corrupt are corruption.
func classifySQLError(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return cerr.Transient(op+": database busy", err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt"):
		return cerr.Corruption(op+": "+err.Error(), err)
	default:
		return cerr.New(cerr.KindInternal, op+": "+err.Error(), err)
	}
}

// inPlaceholders builds "?,?,?" plus the matching args slice.
func inPlaceholders(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}
