package directory

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS directories (
	user_id    TEXT PRIMARY KEY NOT NULL,
	agents     BLOB NOT NULL,
	updated_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// SQLiteStore keeps one row per user holding the cbor-encoded directory.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory database that lives as long as the store.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("directory: sqlite path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	uri := path
	if path == ":memory:" {
		// The pool refuses plain ":memory:". A named shared-cache database
		// keeps the pool's connections on one database; the single
		// connection avoids shared-cache table locks.
		uri = "file:devicelink-" + uuid.NewString() + "?mode=memory&cache=shared"
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(uri, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", path, err)
	}
	logger.Info("directory store opened", "path", path, "pool_size", poolSize)
	return &SQLiteStore{pool: pool, path: path, logger: logger, now: time.Now}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("directory: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("directory: create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, userID string) (Directory, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory: take: %w", err)
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn, "SELECT agents FROM directories WHERE user_id = ?", &sqlitex.ExecOptions{
		Args: []any{userID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("directory: load %s: %w", userID, err)
	}
	return decode(blob)
}

// Save replaces the user's record. An empty directory deletes the row.
func (s *SQLiteStore) Save(ctx context.Context, userID string, dir Directory) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("directory: take: %w", err)
	}
	defer s.pool.Put(conn)

	if len(dir) == 0 {
		err = sqlitex.Execute(conn, "DELETE FROM directories WHERE user_id = ?", &sqlitex.ExecOptions{
			Args: []any{userID},
		})
		if err != nil {
			return fmt.Errorf("directory: delete %s: %w", userID, err)
		}
		return nil
	}

	blob, err := encode(dir)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `INSERT INTO directories (user_id, agents, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET agents = excluded.agents, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{userID, blob, s.now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("directory: save %s: %w", userID, err)
	}
	return nil
}

// Ping checks that a connection can be taken and queried.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("directory: take: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("directory store close failed", "path", s.path, "err", err)
		return fmt.Errorf("directory: close %s: %w", s.path, err)
	}
	return nil
}
