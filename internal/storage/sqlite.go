package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "heimdall/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if n, err := st.Sweep(context.Background(), time.Now().Add(-RetentionHorizon)); err == nil && n > 0 {
		log.Info("swept expired reminder records", logx.Int("removed", n))
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) WasSent(ctx context.Context, tenant, key string, offset int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM reminders WHERE tenant = ? AND key = ? AND offset_minutes = ?`,
		tenant, key, offset,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, tenant, key string, offset int, label string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(tenant, key, offset_minutes, sent_at, label) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant, key, offset_minutes) DO NOTHING`,
		tenant, key, offset, at.UnixMilli(), nullStr(label),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.Sweep(pctx, time.Now().Add(-RetentionHorizon))
		cancel()
	}
	return err
}

func (s *sqliteStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE sent_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) LoadRSVPs(ctx context.Context) (map[string]map[string]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, member_id, response FROM rsvps`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]map[string]string{}
	for rows.Next() {
		var msg, member, resp string
		if err := rows.Scan(&msg, &member, &resp); err != nil {
			return nil, err
		}
		if out[msg] == nil {
			out[msg] = map[string]string{}
		}
		out[msg][member] = resp
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRSVP(ctx context.Context, messageID, memberID, response string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rsvps(message_id, member_id, response, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(message_id, member_id) DO UPDATE SET response=excluded.response, updated_at=excluded.updated_at`,
		messageID, memberID, response, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteRSVP(ctx context.Context, messageID, memberID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rsvps WHERE message_id = ? AND member_id = ?`,
		messageID, memberID,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
