package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/noorcity/messaging/internal/chat"
)

// PostgresBackend is a durable Backend on top of PostgreSQL. The messages
// table carries a unique constraint on (room_id, sender_id, client_msg_id),
// so a retried append can never commit twice even if two store instances
// race. Schema is managed by the migrations/ directory.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an open database handle.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Append commits the message. The insert is a single statement, so it is
// atomic: either the full row exists or nothing does.
func (b *PostgresBackend) Append(ctx context.Context, msg chat.Message) error {
	const query = `
		INSERT INTO messages (room_id, sender_id, sender_name, body, server_ts, client_msg_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := b.db.ExecContext(ctx, query,
		msg.RoomID,
		msg.SenderID,
		msg.SenderName,
		msg.Body,
		msg.ServerTS,
		msg.ClientMsgID,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return nil
}

// History returns the newest limit messages of a room in ascending order.
func (b *PostgresBackend) History(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	query := `
		SELECT room_id, sender_id, sender_name, body, server_ts, client_msg_id
		FROM messages
		WHERE room_id = $1
		ORDER BY server_ts DESC, client_msg_id DESC`
	args := []interface{}{roomID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query history: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.ServerTS, &m.ClientMsgID); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}

	// The query walks newest-first for the LIMIT; callers want ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LastTimestamp returns the highest committed timestamp in a room, or 0.
func (b *PostgresBackend) LastTimestamp(ctx context.Context, roomID string) (int64, error) {
	const query = `SELECT COALESCE(MAX(server_ts), 0) FROM messages WHERE room_id = $1`

	var last int64
	if err := b.db.QueryRowContext(ctx, query, roomID).Scan(&last); err != nil {
		return 0, fmt.Errorf("postgres: max timestamp: %w", err)
	}
	return last, nil
}

// Lookup returns the committed message for an idempotency tuple, if any.
func (b *PostgresBackend) Lookup(ctx context.Context, roomID, senderID, clientMsgID string) (chat.Message, bool, error) {
	const query = `
		SELECT room_id, sender_id, sender_name, body, server_ts, client_msg_id
		FROM messages
		WHERE room_id = $1 AND sender_id = $2 AND client_msg_id = $3`

	var m chat.Message
	err := b.db.QueryRowContext(ctx, query, roomID, senderID, clientMsgID).
		Scan(&m.RoomID, &m.SenderID, &m.SenderName, &m.Body, &m.ServerTS, &m.ClientMsgID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("postgres: lookup message: %w", err)
	}
	return m, true, nil
}

// Close closes the underlying database handle.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
