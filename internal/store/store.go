package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/asyncgraph/internal/graph"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added seq index on mutation_journal
const currentSchemaVersion = 1

// DefaultMaxConns is the connection cap when WithMaxConns is not given.
const DefaultMaxConns = 16

// dsnParams configures every connection go-sqlite3 opens.
const dsnParams = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// Store is a SQLite-backed graph. It hands out sessions bound to dedicated
// connections and implements pool.Factory.
type Store struct {
	db       *sql.DB
	path     string
	maxConns int
	creds    graph.Credentials
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxConns caps open connections. Sessions hold a connection for their
// whole lifetime, so this must exceed the session pool's maximum.
func WithMaxConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

// WithCredentials authenticates against the store. The first open with
// credentials claims the database; later opens must present the same ones.
func WithCredentials(c graph.Credentials) Option {
	return func(s *Store) {
		s.creds = c
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		maxConns: DefaultMaxConns,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.maxConns)
	s.db = db

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := s.authenticate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug("store opened", "path", path, "maxConns", s.maxConns)
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + dsnParams
}

// Close closes the database. Sessions must be closed first.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// NewSession opens a session on its own connection. Implements pool.Factory.
func (s *Store) NewSession(ctx context.Context) (graph.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Features reports what the SQLite engine supports.
func (s *Store) Features() graph.Features {
	return graph.Features{
		SupportsDuplicateEdges:   true,
		SupportsSelfLoops:        true,
		IsPersistent:             true,
		SupportsVertexIteration:  true,
		SupportsEdgeIteration:    true,
		SupportsVertexIndex:      true,
		SupportsEdgeIndex:        true,
		SupportsKeyIndices:       true,
		SupportsVertexKeyIndex:   true,
		SupportsEdgeKeyIndex:     true,
		SupportsTransactions:     true,
		SupportsVertexProperties: true,
		SupportsEdgeProperties:   true,
	}
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the journal seq index used by ReadJournal ordering.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_seq ON mutation_journal(seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

const (
	metaOwner    = "owner"
	metaPassword = "password_sha256"
)

// authenticate checks credentials against store_meta, claiming the store on
// first use. A store that was never claimed accepts any open without
// credentials.
func (s *Store) authenticate(ctx context.Context) error {
	var owner, digest string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, metaOwner).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if s.creds.Empty() {
			return nil
		}
		return s.claim(ctx)
	case err != nil:
		return fmt.Errorf("read store owner: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, metaPassword).Scan(&digest); err != nil {
		return fmt.Errorf("read store credentials: %w", err)
	}

	want := passwordDigest(s.creds.Password)
	userOK := subtle.ConstantTimeCompare([]byte(owner), []byte(s.creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(digest), []byte(want)) == 1
	if !userOK || !passOK {
		return graph.NewError(graph.CodeBackend, "open store", "authentication failed for %q", s.creds.Username)
	}
	return nil
}

func (s *Store) claim(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("claim store: %w", err)
	}
	defer tx.Rollback()

	for _, kv := range [][2]string{
		{metaOwner, s.creds.Username},
		{metaPassword, passwordDigest(s.creds.Password)},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO store_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			kv[0], kv[1]); err != nil {
			return fmt.Errorf("claim store: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("claim store: %w", err)
	}
	s.logger.Info("store claimed", "owner", s.creds.Username)
	return nil
}

func passwordDigest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// isConstraintViolation reports whether err is a SQLite uniqueness or
// primary key violation.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
