// Package postgres persists sessions, messages and memory in PostgreSQL.
// The schema is applied with goose from migrations embedded in the binary.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/PabloGalante/farum-chat/internal/adapters/storage/record"
	"github.com/PabloGalante/farum-chat/internal/domain"
	"github.com/PabloGalante/farum-chat/internal/observability"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool  *pgxpool.Pool
	quota int
}

// Open connects to url and migrates the schema. quota bounds the attachment
// bytes stored per user; <= 0 means unlimited.
func Open(ctx context.Context, url string, quota int) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, quota: quota}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	for _, r := range results {
		observability.Logger().Info("applied migration", "source", r.Source.Path, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Postgres error codes that mean the data does not fit.
var capacityCodes = map[string]bool{
	"54000": true, // program_limit_exceeded
	"53100": true, // disk_full
	"53200": true, // out_of_memory
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if capacityCodes[pgErr.Code] {
			return fmt.Errorf("postgres %s: %w: %w", op, domain.ErrStorageCapacityExceeded, err)
		}
		if pgErr.Code == "23503" { // foreign_key_violation
			return fmt.Errorf("postgres %s: %w", op, domain.ErrSessionNotFound)
		}
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func (s *Store) checkQuota(bytes int64) error {
	if s.quota > 0 && bytes > int64(s.quota) {
		return fmt.Errorf("postgres: %d bytes over quota %d: %w", bytes, s.quota, domain.ErrStorageCapacityExceeded)
	}
	return nil
}

const upsertMessage = `
INSERT INTO chat_messages (user_id, session_id, id, role, body, created_at, kind, mime_type, data, placeholder, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, session_id, id) DO UPDATE SET
    role = EXCLUDED.role,
    body = EXCLUDED.body,
    kind = EXCLUDED.kind,
    mime_type = EXCLUDED.mime_type,
    data = EXCLUDED.data,
    placeholder = EXCLUDED.placeholder,
    reason = EXCLUDED.reason`

func messageArgs(userID domain.UserID, id domain.SessionID, r record.Message) []any {
	return []any{
		string(userID), string(id), r.ID, r.Role, r.Text, r.CreatedAt,
		r.Kind, r.MIMEType, r.Data, r.Placeholder, r.Reason,
	}
}

func (s *Store) FetchSessions(ctx context.Context, userID domain.UserID) ([]*domain.ChatSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at FROM chat_sessions WHERE user_id = $1 ORDER BY created_at`,
		string(userID))
	if err != nil {
		return nil, mapErr("FetchSessions", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*record.Session, error) {
		var r record.Session
		err := row.Scan(&r.ID, &r.Title, &r.CreatedAt)
		return &r, err
	})
	if err != nil {
		return nil, mapErr("FetchSessions", err)
	}

	byID := make(map[string]*record.Session, len(sessions))
	for _, r := range sessions {
		byID[r.ID] = r
	}

	rows, err = s.pool.Query(ctx, `
SELECT session_id, id, role, body, created_at, kind, mime_type, data, placeholder, reason
FROM chat_messages WHERE user_id = $1 ORDER BY seq`, string(userID))
	if err != nil {
		return nil, mapErr("FetchSessions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sessionID string
			m         record.Message
		)
		if err := rows.Scan(&sessionID, &m.ID, &m.Role, &m.Text, &m.CreatedAt, &m.Kind,
			&m.MIMEType, &m.Data, &m.Placeholder, &m.Reason); err != nil {
			return nil, mapErr("FetchSessions", err)
		}
		if r, ok := byID[sessionID]; ok {
			r.Messages = append(r.Messages, m)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("FetchSessions", err)
	}

	out := make([]*domain.ChatSession, 0, len(sessions))
	for _, r := range sessions {
		out = append(out, r.ToDomain())
	}
	return out, nil
}

func (s *Store) CreateSession(ctx context.Context, userID domain.UserID, session *domain.ChatSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (user_id, id, title, created_at) VALUES ($1, $2, $3, $4)`,
		string(userID), string(session.ID), session.Title, session.CreatedAt)
	return mapErr("CreateSession", err)
}

func (s *Store) RenameSession(ctx context.Context, userID domain.UserID, id domain.SessionID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET title = $3 WHERE user_id = $1 AND id = $2`,
		string(userID), string(id), title)
	if err != nil {
		return mapErr("RenameSession", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, userID domain.UserID, id domain.SessionID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM chat_sessions WHERE user_id = $1 AND id = $2`,
		string(userID), string(id))
	return mapErr("DeleteSession", err)
}

func (s *Store) SaveMessage(ctx context.Context, userID domain.UserID, id domain.SessionID, msg *domain.Message) error {
	r := record.FromMessage(msg)

	if s.quota > 0 {
		var used int64
		err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(octet_length(data)), 0) FROM chat_messages
WHERE user_id = $1 AND NOT (session_id = $2 AND id = $3)`,
			string(userID), string(id), r.ID).Scan(&used)
		if err != nil {
			return mapErr("SaveMessage", err)
		}
		if err := s.checkQuota(used + int64(len(r.Data))); err != nil {
			return err
		}
	}

	_, err := s.pool.Exec(ctx, upsertMessage, messageArgs(userID, id, r)...)
	return mapErr("SaveMessage", err)
}

// SaveSessions replaces the user's sessions in one transaction; a rejected
// save rolls back and leaves the previous collection in place.
func (s *Store) SaveSessions(ctx context.Context, userID domain.UserID, sessions []*domain.ChatSession) error {
	var total int64
	records := make([]record.Session, 0, len(sessions))
	for _, cs := range sessions {
		r := record.FromSession(cs)
		for _, m := range r.Messages {
			total += int64(len(m.Data))
		}
		records = append(records, r)
	}
	if err := s.checkQuota(total); err != nil {
		return err
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chat_sessions WHERE user_id = $1`, string(userID)); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(`INSERT INTO chat_sessions (user_id, id, title, created_at) VALUES ($1, $2, $3, $4)`,
				string(userID), r.ID, r.Title, r.CreatedAt)
			for _, m := range r.Messages {
				batch.Queue(upsertMessage, messageArgs(userID, domain.SessionID(r.ID), m)...)
			}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapErr("SaveSessions", err)
}

func (s *Store) FetchMemory(ctx context.Context, userID domain.UserID) (string, error) {
	var memory string
	err := s.pool.QueryRow(ctx, `SELECT memory FROM user_memory WHERE user_id = $1`, string(userID)).Scan(&memory)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapErr("FetchMemory", err)
	}
	return memory, nil
}

func (s *Store) SaveMemory(ctx context.Context, userID domain.UserID, text string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO user_memory (user_id, memory, updated_at) VALUES ($1, $2, now())
ON CONFLICT (user_id) DO UPDATE SET memory = EXCLUDED.memory, updated_at = now()`,
		string(userID), text)
	return mapErr("SaveMemory", err)
}
