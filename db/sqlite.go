package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/najoast/fleetdash/codec"
	"github.com/najoast/fleetdash/fleet"
)

// SQLiteConfig holds the parameters for opening a SQLite store.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	Logger *slog.Logger
}

// SQLiteStore is a Store backed by a SQLite connection pool.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schema = `
	CREATE TABLE IF NOT EXISTS client_extra (
		name         TEXT PRIMARY KEY,
		start_option BLOB NOT NULL,
		saved_at     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		level       TEXT NOT NULL,
		target      TEXT NOT NULL,
		message     TEXT NOT NULL,
		thread_name TEXT NOT NULL DEFAULT '',
		timestamp   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_time ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_name ON logs(name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_target ON logs(target);

	CREATE TABLE IF NOT EXISTS network_usage (
		name      TEXT NOT NULL,
		peer      TEXT NOT NULL,
		bytes     INTEGER NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_network_usage_name ON network_usage(name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_network_usage_time ON network_usage(timestamp);
`

// NewSQLiteStore opens the database at cfg.Path, creating the file and
// schema when missing.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	s := &SQLiteStore{pool: pool, logger: logger, path: cfg.Path}

	// Take one connection up front so schema errors surface here.
	conn, err := s.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool.Put(conn)

	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

// prepareConnection runs once per pooled connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite store: creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: take: %w", err)
	}
	return conn, nil
}

func (s *SQLiteStore) SaveStartOption(ctx context.Context, extra fleet.ClientExtra) error {
	blob, err := codec.Marshal(extra.StartOption)
	if err != nil {
		return err
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO client_extra (name, start_option, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET start_option = excluded.start_option, saved_at = excluded.saved_at`,
		&sqlitex.ExecOptions{Args: []any{extra.Name, blob, extra.SavedAt.UnixNano()}})
}

func (s *SQLiteStore) ClientExtra(ctx context.Context, name fleet.NodeName) (*fleet.ClientExtra, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var extra *fleet.ClientExtra
	err = sqlitex.Execute(conn,
		"SELECT start_option, saved_at FROM client_extra WHERE name = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				var opt fleet.StartOption
				if err := codec.Unmarshal(blob, &opt); err != nil {
					return err
				}
				extra = &fleet.ClientExtra{
					Name:        name,
					StartOption: opt,
					SavedAt:     time.Unix(0, stmt.ColumnInt64(1)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: client extra %s: %w", name, err)
	}
	return extra, nil
}

func (s *SQLiteStore) WriteLogs(ctx context.Context, name fleet.NodeName, lines []fleet.LogLine) (err error) {
	if len(lines) == 0 {
		return nil
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, line := range lines {
		err = sqlitex.Execute(conn,
			`INSERT INTO logs (name, level, target, message, thread_name, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				name, line.Level, line.Target, line.Message, line.ThreadName, line.Timestamp.UnixNano(),
			}})
		if err != nil {
			return fmt.Errorf("sqlite store: insert log: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) LogTargets(ctx context.Context) ([]string, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	targets := []string{}
	err = sqlitex.Execute(conn, "SELECT DISTINCT target FROM logs ORDER BY target", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			targets = append(targets, stmt.ColumnText(0))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: log targets: %w", err)
	}
	return targets, nil
}

func (s *SQLiteStore) Logs(ctx context.Context, query fleet.LogQuery) ([]fleet.Log, error) {
	var (
		where []string
		args  []any
	)
	in := func(column string, values []string, fold bool) {
		if len(values) == 0 {
			return
		}
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = "?"
			if fold {
				v = strings.ToLower(v)
			}
			args = append(args, v)
		}
		if fold {
			column = "lower(" + column + ")"
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")))
	}
	in("name", query.Filter.NodeNames, false)
	in("level", query.Filter.Levels, true)
	in("target", query.Filter.Targets, false)
	if query.Search != "" {
		where = append(where, "instr(lower(message), ?) > 0")
		args = append(args, strings.ToLower(query.Search))
	}
	if !query.Time.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, query.Time.From.UnixNano())
	}
	if !query.Time.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, query.Time.To.UnixNano())
	}

	order := "ASC"
	if query.OrderBy == fleet.OrderDESC {
		order = "DESC"
	}

	sql := "SELECT id, name, level, target, message, thread_name, timestamp FROM logs"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(" ORDER BY timestamp %[1]s, id %[1]s LIMIT ?", order)
	args = append(args, logLimit(query.Limit))

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	logs := []fleet.Log{}
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			logs = append(logs, fleet.Log{
				ID:       stmt.ColumnInt64(0),
				NodeName: stmt.ColumnText(1),
				LogLine: fleet.LogLine{
					Level:      stmt.ColumnText(2),
					Target:     stmt.ColumnText(3),
					Message:    stmt.ColumnText(4),
					ThreadName: stmt.ColumnText(5),
					Timestamp:  time.Unix(0, stmt.ColumnInt64(6)),
				},
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query logs: %w", err)
	}
	return logs, nil
}

func (s *SQLiteStore) RecordNetworkUsage(ctx context.Context, name fleet.NodeName, usage []fleet.NetworkUsage) (err error) {
	if len(usage) == 0 {
		return nil
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, u := range usage {
		err = sqlitex.Execute(conn,
			"INSERT INTO network_usage (name, peer, bytes, timestamp) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{name, u.Peer, u.Bytes, u.Timestamp.UnixNano()}})
		if err != nil {
			return fmt.Errorf("sqlite store: insert network usage: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) NetworkUsage(ctx context.Context, name fleet.NodeName, query fleet.UsageQuery) ([]fleet.NetworkUsage, error) {
	sql := "SELECT peer, bytes, timestamp FROM network_usage WHERE name = ?"
	args := []any{name}
	if !query.Time.From.IsZero() {
		sql += " AND timestamp >= ?"
		args = append(args, query.Time.From.UnixNano())
	}
	if !query.Time.To.IsZero() {
		sql += " AND timestamp < ?"
		args = append(args, query.Time.To.UnixNano())
	}
	sql += " ORDER BY timestamp ASC"
	if query.Limit > 0 {
		sql += " LIMIT ?"
		args = append(args, query.Limit)
	}

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	rows := []fleet.NetworkUsage{}
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, fleet.NetworkUsage{
				Peer:      stmt.ColumnText(0),
				Bytes:     stmt.ColumnInt64(1),
				Timestamp: time.Unix(0, stmt.ColumnInt64(2)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query network usage: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) PruneNetworkUsage(ctx context.Context, before time.Time) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM network_usage WHERE timestamp < ?",
		&sqlitex.ExecOptions{Args: []any{before.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("sqlite store: prune network usage: %w", err)
	}
	return conn.Changes(), nil
}

// Close closes every connection, waiting for borrowed ones to return.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close error", "path", s.path, "error", err)
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}
