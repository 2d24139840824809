package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "groupwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

const createMembersTable = `
CREATE TABLE IF NOT EXISTS group_members (
	group_id    TEXT NOT NULL,
	member_id   TEXT NOT NULL,
	member_name TEXT,
	avatar_url  TEXT,
	last_seen   TEXT,
	PRIMARY KEY (group_id, member_id)
)`

// optionalColumns were added after the first release. Older databases get
// them via ALTER TABLE; existing rows read back NULL, mapped to "".
var optionalColumns = []struct {
	name string
	ddl  string
}{
	{name: "avatar_url", ddl: `ALTER TABLE group_members ADD COLUMN avatar_url TEXT`},
}

// lastSeenLayouts are tried in order when reading last_seen. The first
// release wrote local ISO-8601 timestamps without a zone.
var lastSeenLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the monitor is the only writer and transactions must
	// not interleave.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, createMembersTable); err != nil {
		return fmt.Errorf("create group_members: %w", err)
	}

	have, err := tableColumns(ctx, tx, "group_members")
	if err != nil {
		return err
	}
	for _, c := range optionalColumns {
		if have[c.name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, c.ddl); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add group_members.%s: %w", c.name, err)
		}
		s.log.Info("storage column added", logx.String("table", "group_members"), logx.String("column", c.name))
	}
	return tx.Commit()
}

func tableColumns(ctx context.Context, q querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) live() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Members(ctx context.Context, groupID string) (map[string]MemberRecord, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return selectMembers(ctx, s.db, groupID)
}

func (s *sqliteStore) Upsert(ctx context.Context, rec MemberRecord) error {
	if err := s.live(); err != nil {
		return err
	}
	return upsertMember(ctx, s.db, rec)
}

func (s *sqliteStore) Delete(ctx context.Context, groupID, memberID string) error {
	if err := s.live(); err != nil {
		return err
	}
	return deleteMember(ctx, s.db, groupID, memberID)
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	if err := s.live(); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_members`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) Groups(ctx context.Context) ([]string, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT group_id FROM group_members ORDER BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InTx(ctx context.Context, fn func(tx Snapshots) error) error {
	if err := s.live(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(sqliteTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqliteTx struct{ q querier }

func (t sqliteTx) Members(ctx context.Context, groupID string) (map[string]MemberRecord, error) {
	return selectMembers(ctx, t.q, groupID)
}

func (t sqliteTx) Upsert(ctx context.Context, rec MemberRecord) error {
	return upsertMember(ctx, t.q, rec)
}

func (t sqliteTx) Delete(ctx context.Context, groupID, memberID string) error {
	return deleteMember(ctx, t.q, groupID, memberID)
}

func selectMembers(ctx context.Context, q querier, groupID string) (map[string]MemberRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT member_id, member_name, avatar_url, last_seen FROM group_members WHERE group_id = ?`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("select members of %s: %w", groupID, err)
	}
	defer rows.Close()

	out := map[string]MemberRecord{}
	for rows.Next() {
		var (
			id                   string
			name, avatar, seenAt sql.NullString
		)
		if err := rows.Scan(&id, &name, &avatar, &seenAt); err != nil {
			return nil, err
		}
		out[id] = MemberRecord{
			GroupID:     groupID,
			MemberID:    id,
			DisplayName: name.String,
			AvatarRef:   avatar.String,
			LastSeen:    parseLastSeen(seenAt.String),
		}
	}
	return out, rows.Err()
}

func upsertMember(ctx context.Context, q querier, rec MemberRecord) error {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO group_members(group_id, member_id, member_name, avatar_url, last_seen)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(group_id, member_id) DO UPDATE SET
			member_name = excluded.member_name,
			avatar_url  = excluded.avatar_url,
			last_seen   = excluded.last_seen`,
		rec.GroupID, rec.MemberID, rec.DisplayName, rec.AvatarRef, rec.LastSeen.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rec.GroupID, rec.MemberID, err)
	}
	return nil
}

func deleteMember(ctx context.Context, q querier, groupID, memberID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND member_id = ?`, groupID, memberID)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", groupID, memberID, err)
	}
	return nil
}

func parseLastSeen(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range lastSeenLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
