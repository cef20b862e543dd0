package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coveo-labs/barca-sports-assistant/internal/conversation"
	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			local_id TEXT PRIMARY KEY,
			session_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]domain.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM conversations ORDER BY updated_at DESC, local_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.ConversationRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(payload))
		if err != nil {
			// Skip malformed rows instead of failing the whole load.
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	conversation.SortByUpdatedDesc(records)
	return records, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, rec domain.ConversationRecord) error {
	payload, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO conversations (local_id, session_id, title, created_at, updated_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(local_id) DO UPDATE SET
			session_id = excluded.session_id,
			title = excluded.title,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		rec.LocalID, nullString(rec.SessionID), rec.Title, rec.CreatedAt, rec.UpdatedAt, string(payload))
	return err
}

func (s *SQLiteStore) SaveOne(ctx context.Context, rec domain.ConversationRecord) error {
	return upsert(ctx, s.db, rec)
}

func (s *SQLiteStore) SaveAll(ctx context.Context, recs []domain.ConversationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	keep := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		keep[rec.LocalID] = struct{}{}
	}

	rows, err := tx.QueryContext(ctx, `SELECT local_id FROM conversations`)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE local_id = ?`, id); err != nil {
			return err
		}
	}
	for _, rec := range recs {
		if err := upsert(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteOne(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE local_id = ?`, localID)
	return err
}

func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations`)
	return err
}

func (s *SQLiteStore) FindBySessionID(ctx context.Context, sessionID string) (*domain.ConversationRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conversations WHERE session_id = ? ORDER BY updated_at DESC LIMIT 1`,
		sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord([]byte(payload))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
