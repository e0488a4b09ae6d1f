package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"line-gateway/internal/domain"
)

// Dialect captures the differences between the SQL backends.
type Dialect struct {
	Name       string
	DriverName string
	schema     string
	// dollarArgs rewrites ? placeholders as $1, $2, ...
	dollarArgs bool
}

var (
	SQLite = Dialect{
		Name:       "sqlite",
		DriverName: "sqlite",
		schema: `
CREATE TABLE IF NOT EXISTS conversations (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	message_type TEXT,
	message_text TEXT,
	reply_token  TEXT,
	route_target TEXT,
	route_reason TEXT,
	raw_event    TEXT,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_id ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_created_at ON conversations(created_at);`,
	}

	Postgres = Dialect{
		Name:       "postgresql",
		DriverName: "pgx",
		dollarArgs: true,
		schema: `
CREATE TABLE IF NOT EXISTS conversations (
	id           BIGSERIAL PRIMARY KEY,
	event_id     TEXT NOT NULL UNIQUE,
	user_id      TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	message_type TEXT,
	message_text TEXT,
	reply_token  TEXT,
	route_target TEXT,
	route_reason TEXT,
	raw_event    TEXT,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_id ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_created_at ON conversations(created_at);`,
	}
)

// rebind converts ? placeholders for dialects that number their arguments.
func (d Dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists events in a relational database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (and creates) a SQLite database. The sqlite:/// URL prefix
// is accepted.
func OpenSQLite(ctx context.Context, databaseURL string) (*SQLStore, error) {
	path := strings.TrimPrefix(strings.TrimSpace(databaseURL), "sqlite:///")
	if path == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open(SQLite.DriverName, path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One writer keeps SQLite free of SQLITE_BUSY under concurrent deliveries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return NewSQLStore(ctx, db, SQLite)
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: postgres dsn must not be empty")
	}
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewSQLStore(ctx, db, Postgres)
}

// NewSQLStore wraps db and creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.dialect.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// SaveEvent inserts rec. A second insert of the same event id returns
// ErrDuplicateEvent.
func (s *SQLStore) SaveEvent(ctx context.Context, rec domain.EventRecord) (string, error) {
	rec = prepareRecord(rec)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO conversations
	(event_id, user_id, event_type, message_type, message_text,
	 reply_token, route_target, route_reason, raw_event, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING`),
		rec.EventID,
		rec.UserID,
		rec.EventType,
		nullable(rec.MessageType),
		nullable(rec.MessageText),
		nullable(rec.ReplyToken),
		nullable(string(rec.RouteTarget)),
		nullable(rec.RouteReason),
		nullable(string(rec.RawEvent)),
		rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("repository: SaveEvent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("repository: SaveEvent rows affected: %w", err)
	}
	if n == 0 {
		return rec.EventID, fmt.Errorf("%w: %s", ErrDuplicateEvent, rec.EventID)
	}
	return rec.EventID, nil
}

// GetUserHistory returns up to limit records for userID, most recent first.
func (s *SQLStore) GetUserHistory(ctx context.Context, userID string, limit int) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
SELECT event_id, user_id, event_type, message_type, message_text,
       reply_token, route_target, route_reason, raw_event, created_at
FROM conversations
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`), userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("repository: GetUserHistory query: %w", err)
	}
	defer rows.Close()

	var out []domain.EventRecord
	for rows.Next() {
		var (
			rec                                                   domain.EventRecord
			msgType, msgText, replyToken, target, reason, rawJSON sql.NullString
		)
		if err := rows.Scan(&rec.EventID, &rec.UserID, &rec.EventType, &msgType, &msgText,
			&replyToken, &target, &reason, &rawJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: GetUserHistory scan: %w", err)
		}
		rec.MessageType = msgType.String
		rec.MessageText = msgText.String
		rec.ReplyToken = replyToken.String
		rec.RouteTarget = domain.RouteTarget(target.String)
		rec.RouteReason = reason.String
		if rawJSON.Valid && rawJSON.String != "" {
			rec.RawEvent = []byte(rawJSON.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetUserHistory rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
