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
	"time"

	_ "modernc.org/sqlite"

	logx "lobbybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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

	st := &sqliteStore{db: db, log: log}

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

func (s *sqliteStore) UpsertLobby(ctx context.Context, l Lobby) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lobbies(channel_id, guild_id, name_pattern, user_limit, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   guild_id=excluded.guild_id, name_pattern=excluded.name_pattern,
		   user_limit=excluded.user_limit`,
		l.ChannelID, l.GuildID, l.NamePattern, l.UserLimit, ms(l.CreatedAt))
	return err
}

func (s *sqliteStore) DeleteLobby(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lobbies WHERE channel_id = ?`, channelID)
	return err
}

func (s *sqliteStore) GetLobby(ctx context.Context, channelID string) (Lobby, error) {
	var l Lobby
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, guild_id, name_pattern, user_limit, created_at
		 FROM lobbies WHERE channel_id = ?`, channelID).
		Scan(&l.ChannelID, &l.GuildID, &l.NamePattern, &l.UserLimit, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Lobby{}, ErrNotFound
	}
	if err != nil {
		return Lobby{}, err
	}
	l.CreatedAt = time.UnixMilli(created)
	return l, nil
}

func (s *sqliteStore) ListLobbies(ctx context.Context, guildID string) ([]Lobby, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, guild_id, name_pattern, user_limit, created_at
		 FROM lobbies WHERE guild_id = ? ORDER BY created_at`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lobby
	for rows.Next() {
		var l Lobby
		var created int64
		if err := rows.Scan(&l.ChannelID, &l.GuildID, &l.NamePattern, &l.UserLimit, &created); err != nil {
			return nil, err
		}
		l.CreatedAt = time.UnixMilli(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, guild_id, lobby_id, channel_id, owner_id, name, user_limit, locked, hidden, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, name=excluded.name, user_limit=excluded.user_limit,
		   locked=excluded.locked, hidden=excluded.hidden`,
		sess.ID, sess.GuildID, sess.LobbyID, sess.ChannelID, sess.OwnerID,
		sess.Name, sess.UserLimit, boolInt(sess.Locked), boolInt(sess.Hidden), ms(sess.CreatedAt))
	return err
}

func (s *sqliteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_members WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, guild_id, lobby_id, channel_id, owner_id, name, user_limit, locked, hidden, created_at
		 FROM sessions WHERE id = ?`, id))
}

func (s *sqliteStore) GetSessionByChannel(ctx context.Context, channelID string) (Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, guild_id, lobby_id, channel_id, owner_id, name, user_limit, locked, hidden, created_at
		 FROM sessions WHERE channel_id = ?`, channelID))
}

func (s *sqliteStore) scanSession(row *sql.Row) (Session, error) {
	var sess Session
	var locked, hidden int
	var created int64
	err := row.Scan(&sess.ID, &sess.GuildID, &sess.LobbyID, &sess.ChannelID, &sess.OwnerID,
		&sess.Name, &sess.UserLimit, &locked, &hidden, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Locked = locked != 0
	sess.Hidden = hidden != 0
	sess.CreatedAt = time.UnixMilli(created)
	return sess, nil
}

func (s *sqliteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guild_id, lobby_id, channel_id, owner_id, name, user_limit, locked, hidden, created_at
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var locked, hidden int
		var created int64
		if err := rows.Scan(&sess.ID, &sess.GuildID, &sess.LobbyID, &sess.ChannelID, &sess.OwnerID,
			&sess.Name, &sess.UserLimit, &locked, &hidden, &created); err != nil {
			return nil, err
		}
		sess.Locked = locked != 0
		sess.Hidden = hidden != 0
		sess.CreatedAt = time.UnixMilli(created)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertMember(ctx context.Context, m SessionMember) error {
	// Re-joins keep the original joined_at so succession order is stable.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_members(session_id, member_id, joined_at) VALUES(?,?,?)
		 ON CONFLICT(session_id, member_id) DO NOTHING`,
		m.SessionID, m.MemberID, ms(m.JoinedAt))
	return err
}

func (s *sqliteStore) DeleteMember(ctx context.Context, sessionID, memberID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_members WHERE session_id = ? AND member_id = ?`, sessionID, memberID)
	return err
}

func (s *sqliteStore) ListMembers(ctx context.Context, sessionID string) ([]SessionMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, member_id, joined_at FROM session_members
		 WHERE session_id = ? ORDER BY joined_at, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionMember
	for rows.Next() {
		var m SessionMember
		var joined int64
		if err := rows.Scan(&m.SessionID, &m.MemberID, &joined); err != nil {
			return nil, err
		}
		m.JoinedAt = time.UnixMilli(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertSticky(ctx context.Context, c StickyConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sticky_configs(channel_id, guild_id, content, debounce_ms, last_message_id, last_posted_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   guild_id=excluded.guild_id, content=excluded.content, debounce_ms=excluded.debounce_ms`,
		c.ChannelID, c.GuildID, c.Content, c.Debounce.Milliseconds(), c.LastMessageID, ms(c.LastPostedAt))
	return err
}

func (s *sqliteStore) DeleteSticky(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sticky_configs WHERE channel_id = ?`, channelID)
	return err
}

func (s *sqliteStore) GetSticky(ctx context.Context, channelID string) (StickyConfig, error) {
	var c StickyConfig
	var debounceMS, posted int64
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, guild_id, content, debounce_ms, last_message_id, last_posted_at
		 FROM sticky_configs WHERE channel_id = ?`, channelID).
		Scan(&c.ChannelID, &c.GuildID, &c.Content, &debounceMS, &c.LastMessageID, &posted)
	if errors.Is(err, sql.ErrNoRows) {
		return StickyConfig{}, ErrNotFound
	}
	if err != nil {
		return StickyConfig{}, err
	}
	c.Debounce = time.Duration(debounceMS) * time.Millisecond
	if posted > 0 {
		c.LastPostedAt = time.UnixMilli(posted)
	}
	return c, nil
}

func (s *sqliteStore) ListSticky(ctx context.Context) ([]StickyConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, guild_id, content, debounce_ms, last_message_id, last_posted_at
		 FROM sticky_configs ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StickyConfig
	for rows.Next() {
		var c StickyConfig
		var debounceMS, posted int64
		if err := rows.Scan(&c.ChannelID, &c.GuildID, &c.Content, &debounceMS, &c.LastMessageID, &posted); err != nil {
			return nil, err
		}
		c.Debounce = time.Duration(debounceMS) * time.Millisecond
		if posted > 0 {
			c.LastPostedAt = time.UnixMilli(posted)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetStickyPosted(ctx context.Context, channelID, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sticky_configs SET last_message_id = ?, last_posted_at = ? WHERE channel_id = ?`,
		messageID, ms(at), channelID)
	return err
}

func (s *sqliteStore) GetReminder(ctx context.Context, guildID, service string) (Reminder, error) {
	var r Reminder
	var due sql.NullInt64
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT guild_id, service, channel_id, role_id, due_at, enabled
		 FROM reminders WHERE guild_id = ? AND service = ?`, guildID, service).
		Scan(&r.GuildID, &r.Service, &r.ChannelID, &r.RoleID, &due, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	r.Enabled = enabled != 0
	if due.Valid {
		t := time.UnixMilli(due.Int64)
		r.DueAt = &t
	}
	return r, nil
}

func (s *sqliteStore) SetReminderChannel(ctx context.Context, guildID, service, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(guild_id, service, channel_id) VALUES(?,?,?)
		 ON CONFLICT(guild_id, service) DO UPDATE SET channel_id=excluded.channel_id`,
		guildID, service, channelID)
	return err
}

func (s *sqliteStore) ArmReminder(ctx context.Context, guildID, service, channelID string, dueAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(guild_id, service, channel_id, due_at, enabled)
		 VALUES(?,?,?,?,1)
		 ON CONFLICT(guild_id, service) DO UPDATE SET
		   channel_id=excluded.channel_id, due_at=excluded.due_at`,
		guildID, service, channelID, dueAt.UnixMilli())
	return err
}

func (s *sqliteStore) ClearReminderDue(ctx context.Context, guildID, service string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET due_at = NULL
		 WHERE guild_id = ? AND service = ? AND due_at IS NOT NULL`,
		guildID, service)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SetReminderEnabled(ctx context.Context, guildID, service string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(guild_id, service, enabled) VALUES(?,?,?)
		 ON CONFLICT(guild_id, service) DO UPDATE SET enabled=excluded.enabled`,
		guildID, service, boolInt(enabled))
	return err
}

func (s *sqliteStore) SetReminderRole(ctx context.Context, guildID, service, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(guild_id, service, role_id) VALUES(?,?,?)
		 ON CONFLICT(guild_id, service) DO UPDATE SET role_id=excluded.role_id`,
		guildID, service, roleID)
	return err
}

func (s *sqliteStore) ScanDueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, service, channel_id, role_id, due_at, enabled
		 FROM reminders WHERE due_at IS NOT NULL AND due_at <= ? AND enabled = 1`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		var r Reminder
		var due sql.NullInt64
		var enabled int
		if err := rows.Scan(&r.GuildID, &r.Service, &r.ChannelID, &r.RoleID, &due, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		if due.Valid {
			t := time.UnixMilli(due.Int64)
			r.DueAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeGuild(ctx context.Context, guildID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM session_members WHERE session_id IN (SELECT id FROM sessions WHERE guild_id = ?)`,
		guildID); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM sessions WHERE guild_id = ?`,
		`DELETE FROM lobbies WHERE guild_id = ?`,
		`DELETE FROM sticky_configs WHERE guild_id = ?`,
		`DELETE FROM reminders WHERE guild_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, guildID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
