package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "crosspost/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements Store on database/sql for both sqlite and postgres.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string // "sqlite" or "postgres"
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// rebind rewrites '?' placeholders to $1..$n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) SaveResult(ctx context.Context, rec SessionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO results(event_id, session_id, completed_at, overall_success, payload)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(event_id, session_id) DO NOTHING`,
		rec.EventID, rec.ID, rec.CompletedAt.UnixMilli(), rec.OverallSuccess, string(payload),
	)
	return err
}

func (s *sqlStore) GetResult(ctx context.Context, eventID, sessionID string) (SessionRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT payload FROM results WHERE event_id = ? AND session_id = ?`),
		eventID, sessionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, err
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *sqlStore) ListResults(ctx context.Context, eventID string, limit int) ([]SessionRecord, error) {
	q := `SELECT payload FROM results WHERE event_id = ? ORDER BY completed_at DESC, session_id DESC`
	args := []any{eventID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec SessionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.log.Warn("skipping unreadable result row", logx.String("event_id", eventID), logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) PruneResults(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := before.UnixMilli()
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM results WHERE completed_at < ?`), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM bindings WHERE created_at < ?
		 AND NOT EXISTS (SELECT 1 FROM results r WHERE r.session_id = bindings.session_id)`), cutoff); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *sqlStore) PutBinding(ctx context.Context, b Binding) error {
	_, err := s.exec(ctx,
		`INSERT INTO bindings(session_id, event_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(session_id) DO UPDATE SET event_id = excluded.event_id`,
		b.SessionID, b.EventID, b.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) GetBinding(ctx context.Context, sessionID string) (Binding, error) {
	var (
		b  Binding
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT session_id, event_id, created_at FROM bindings WHERE session_id = ?`),
		sessionID,
	).Scan(&b.SessionID, &b.EventID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, err
	}
	b.CreatedAt = time.UnixMilli(ms)
	return b, nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, action, event_id, session_id, platforms, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.Action, e.EventID, nullStr(e.SessionID), nullStr(strings.Join(e.Platforms, ",")),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
