package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
)

// SQLiteStore keeps sessions in a SQLite database. Lineage and stats live in
// indexed columns so listings do not decode session documents.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			parent_id      TEXT NOT NULL DEFAULT '',
			fork_index     INTEGER NOT NULL DEFAULT 0,
			item_count     INTEGER NOT NULL DEFAULT 0,
			total_turns    INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			last_active_at TEXT NOT NULL,
			tags           TEXT NOT NULL DEFAULT '[]',
			data           BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.save",
		attribute.String("session.id", sess.ID()),
		attribute.String("session.driver", "sqlite"),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
		tracing.RecordError(span, err)
	}()

	if err := ValidateID(sess.ID()); err != nil {
		return err
	}

	data, err := Encode(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	sum := sess.Summary()
	tags, err := json.Marshal(sum.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, fork_index, item_count, total_turns, created_at, last_active_at, tags, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			fork_index = excluded.fork_index,
			item_count = excluded.item_count,
			total_turns = excluded.total_turns,
			last_active_at = excluded.last_active_at,
			tags = excluded.tags,
			data = excluded.data`,
		sum.ID, sum.ParentID, sum.ForkIndex, sum.ItemCount, sum.TurnCount,
		sum.CreatedAt.Format(time.RFC3339Nano), sum.LastActiveAt.Format(time.RFC3339Nano), string(tags), data,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sum.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (_ *Session, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerSession, "session.load",
		attribute.String("session.id", id),
		attribute.String("session.driver", "sqlite"),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
		if !errors.Is(err, ErrNotFound) {
			tracing.RecordError(span, err)
		}
	}()

	var data []byte
	err = s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return Decode(data)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, where string, args ...interface{}) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, fork_index, item_count, total_turns, created_at, last_active_at, tags
		FROM sessions `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                 Summary
			created, lastActive string
			tags                string
		)
		if err := rows.Scan(&sum.ID, &sum.ParentID, &sum.ForkIndex, &sum.ItemCount, &sum.TurnCount, &created, &lastActive, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if sum.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("session %s: bad created_at: %w", sum.ID, err)
		}
		if sum.LastActiveAt, err = time.Parse(time.RFC3339Nano, lastActive); err != nil {
			return nil, fmt.Errorf("session %s: bad last_active_at: %w", sum.ID, err)
		}
		if err := json.Unmarshal([]byte(tags), &sum.Tags); err != nil {
			return nil, fmt.Errorf("session %s: bad tags: %w", sum.ID, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]Summary, error) {
	return s.query(ctx, "")
}

func (s *SQLiteStore) GetChildren(ctx context.Context, parentID string) ([]Summary, error) {
	return s.query(ctx, "WHERE parent_id = ? AND id != ?", parentID, parentID)
}

func (s *SQLiteStore) GetSessionTree(ctx context.Context, rootID string) ([]*Tree, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTrees(all, rootID)
}

// IdleSince returns ids whose last activity is before cutoff
func (s *SQLiteStore) IdleSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_active_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, lastActive string
		if err := rows.Scan(&id, &lastActive); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, lastActive)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
