// Package storage persists moderated messages, rooms and room memberships in
// PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/pprasoon1/safe-chat/internal/moderation"
)

// ErrInvalidRoom is returned for a room without a name.
var ErrInvalidRoom = errors.New("storage: room name is required")

// Room is a persisted chat room.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Postgres is the database/sql store for messages and rooms.
type Postgres struct {
	db *sql.DB
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// SaveMessage inserts a moderated message. Blocked messages are rejected by
// the table constraint.
func (p *Postgres) SaveMessage(ctx context.Context, msg moderation.Message) error {
	const query = `
		INSERT INTO messages (chat_id, room, user_id, content, toxicity, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := p.db.ExecContext(ctx, query,
		msg.ChatID,
		msg.Room,
		msg.UserID,
		msg.Content,
		msg.Toxicity,
		string(msg.Status),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert message: %w", err)
	}
	return nil
}

// CreateRoom inserts a room and the creator's membership in one transaction.
func (p *Postgres) CreateRoom(ctx context.Context, name string, creatorID int64) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrInvalidRoom
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	r := Room{Name: name, CreatedBy: creatorID}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (name, created_by) VALUES ($1, $2) RETURNING id, is_private, created_at`,
		name, creatorID,
	).Scan(&r.ID, &r.IsPrivate, &r.CreatedAt)
	if err != nil {
		return Room{}, fmt.Errorf("storage: insert room: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`,
		r.ID, creatorID,
	); err != nil {
		return Room{}, fmt.Errorf("storage: insert creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("storage: commit: %w", err)
	}
	return r, nil
}

// AddMember records userID as a member of roomID. Adding an existing member
// is a no-op.
func (p *Postgres) AddMember(ctx context.Context, roomID, userID int64) error {
	const query = `
		INSERT INTO room_members (room_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING`

	if _, err := p.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("storage: add member: %w", err)
	}
	return nil
}

// QueryMemberships returns the ids of the rooms userID belongs to.
func (p *Postgres) QueryMemberships(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE user_id = $1 ORDER BY room_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: query memberships: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan membership: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRooms returns the rooms userID belongs to.
func (p *Postgres) ListRooms(ctx context.Context, userID int64) ([]Room, error) {
	const query = `
		SELECT r.id, r.name, r.is_private, COALESCE(r.created_by, 0), r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY r.id`

	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list rooms: %w", err)
	}
	defer rows.Close()

	rooms := []Room{}
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.IsPrivate, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
