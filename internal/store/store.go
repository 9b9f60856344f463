// Package store persists chatroom rosters and a message log in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wxbot/internal/itchat"
)

// SQLiteStore implements itchat.RosterStore and the message log.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ itchat.RosterStore = (*SQLiteStore)(nil)

func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveChatroom replaces the stored roster of a room.
func (s *SQLiteStore) SaveChatroom(ctx context.Context, room itchat.Contact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	selfDisplay := ""
	if room.Self != nil {
		selfDisplay = room.Self.DisplayName
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chatrooms (user_name, nick_name, self_display_name, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_name) DO UPDATE SET
		   nick_name = excluded.nick_name,
		   self_display_name = excluded.self_display_name,
		   updated_at = excluded.updated_at`,
		room.UserName, room.NickName, selfDisplay, time.Now(),
	); err != nil {
		return fmt.Errorf("upsert chatroom: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chatroom_members WHERE chatroom = ?`, room.UserName); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, m := range room.MemberList {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO chatroom_members (chatroom, user_name, nick_name, display_name) VALUES (?, ?, ?, ?)`,
			room.UserName, m.UserName, m.NickName, m.DisplayName,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return tx.Commit()
}

// LoadChatrooms returns every stored room with its roster.
func (s *SQLiteStore) LoadChatrooms(ctx context.Context) ([]itchat.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_name, nick_name, self_display_name FROM chatrooms ORDER BY user_name`)
	if err != nil {
		return nil, err
	}
	var rooms []itchat.Contact
	index := map[string]int{}
	for rows.Next() {
		var c itchat.Contact
		var selfDisplay string
		if err := rows.Scan(&c.UserName, &c.NickName, &selfDisplay); err != nil {
			rows.Close()
			return nil, err
		}
		if selfDisplay != "" {
			c.Self = &itchat.Member{DisplayName: selfDisplay}
		}
		index[c.UserName] = len(rooms)
		rooms = append(rooms, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT chatroom, user_name, nick_name, display_name FROM chatroom_members ORDER BY chatroom, user_name`)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var room string
		var m itchat.Member
		if err := mrows.Scan(&room, &m.UserName, &m.NickName, &m.DisplayName); err != nil {
			return nil, err
		}
		if i, ok := index[room]; ok {
			rooms[i].MemberList = append(rooms[i].MemberList, m)
		}
	}
	return rooms, mrows.Err()
}

// Direction of a logged message.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// MessageRecord is one row of the message log.
type MessageRecord struct {
	ID        int64
	Channel   string
	MsgID     string
	Kind      string
	Sender    string
	Receiver  string
	IsGroup   bool
	Direction string
	Content   string
	CreatedAt time.Time
}

func (s *SQLiteStore) LogMessage(ctx context.Context, rec MessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Direction == "" {
		rec.Direction = DirectionIn
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel, msg_id, kind, sender, receiver, is_group, direction, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Channel, rec.MsgID, rec.Kind, rec.Sender, rec.Receiver, rec.IsGroup, rec.Direction, rec.Content, rec.CreatedAt,
	)
	return err
}

// RecentMessages returns the newest records first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, msg_id, kind, sender, receiver, is_group, direction, content, created_at
		 FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.Channel, &r.MsgID, &r.Kind, &r.Sender, &r.Receiver, &r.IsGroup, &r.Direction, &r.Content, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByKind tallies logged messages per kind, for the status command.
func (s *SQLiteStore) CountByKind(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM messages GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Prune deletes log rows older than the cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
