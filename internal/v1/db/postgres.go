package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/protocol"
)

// Postgres implements Adapter over database/sql with the lib/pq driver.
// All calls run through a circuit breaker so a dead database degrades to
// fast failures instead of piling up connection timeouts.
type Postgres struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker
}

const uniqueViolation = "23505"

// NewPostgres opens a pooled connection and verifies connectivity.
func NewPostgres(dsn string) (*Postgres, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
	}

	return &Postgres{db: sqlDB, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (p *Postgres) exec(ctx context.Context, fn func() error) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		logging.Warn(ctx, "Postgres circuit breaker open")
		return fmt.Errorf("persistence unavailable: %w", err)
	}
	return err
}

func (p *Postgres) SaveMessage(ctx context.Context, rec MessageRecord) error {
	return p.exec(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO messages
				(message_id, sender_id, recipient_id, content, ts, state,
				 message_type, room_id, room_message_id, chat_id, client_message_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''))`,
			rec.MessageID, rec.SenderID, rec.RecipientID, rec.Content,
			rec.Timestamp, rec.State, rec.MessageType, rec.RoomID,
			rec.RoomMessageID, rec.ChatID, rec.ClientMessageID,
		)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicate
		}
		return err
	})
}

func (p *Postgres) GetMessage(ctx context.Context, messageID string) (*MessageRecord, error) {
	var rec MessageRecord
	var clientMessageID sql.NullString
	err := p.exec(ctx, func() error {
		row := p.db.QueryRowContext(ctx, `
			SELECT message_id, sender_id, recipient_id, content, ts, state,
			       message_type, room_id, room_message_id, chat_id,
			       client_message_id, deleted, COALESCE(edited_at, 0)
			FROM messages WHERE message_id = $1`, messageID)
		err := row.Scan(&rec.MessageID, &rec.SenderID, &rec.RecipientID,
			&rec.Content, &rec.Timestamp, &rec.State, &rec.MessageType,
			&rec.RoomID, &rec.RoomMessageID, &rec.ChatID, &clientMessageID,
			&rec.Deleted, &rec.EditedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	rec.ClientMessageID = clientMessageID.String
	return &rec, nil
}

func (p *Postgres) UpdateMessageState(ctx context.Context, messageID string, from, to protocol.MessageState) error {
	return p.exec(ctx, func() error {
		res, err := p.db.ExecContext(ctx,
			`UPDATE messages SET state = $1 WHERE message_id = $2 AND state = $3`,
			to, messageID, from)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Distinguish a missing row from a lost compare-and-set.
			var exists bool
			if err := p.db.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM messages WHERE message_id = $1)`,
				messageID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
}

func (p *Postgres) EditMessageContent(ctx context.Context, messageID, content string, editedAt int64) error {
	return p.exec(ctx, func() error {
		res, err := p.db.ExecContext(ctx,
			`UPDATE messages SET content = $1, edited_at = $2 WHERE message_id = $3 AND NOT deleted`,
			content, editedAt, messageID)
		if err != nil {
			return err
		}
		return affectedOrNotFound(res)
	})
}

func (p *Postgres) SoftDeleteMessage(ctx context.Context, messageID string) error {
	return p.exec(ctx, func() error {
		res, err := p.db.ExecContext(ctx,
			`UPDATE messages SET deleted = TRUE WHERE message_id = $1`, messageID)
		if err != nil {
			return err
		}
		return affectedOrNotFound(res)
	})
}

func (p *Postgres) SaveDelivery(ctx context.Context, rec DeliveryRecord) error {
	return p.exec(ctx, func() error {
		// Monotonic upsert: never regress a delivery state.
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO deliveries (message_id, user_id, state, marked_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (message_id, user_id) DO UPDATE
			SET state = EXCLUDED.state, marked_at = EXCLUDED.marked_at
			WHERE deliveries.state NOT IN ('DELIVERED','READ')
			   OR EXCLUDED.state = 'READ'`,
			rec.MessageID, rec.UserID, rec.State, rec.MarkedAt)
		return err
	})
}

func (p *Postgres) MarkMessageDelivered(ctx context.Context, messageID, userID string) (bool, error) {
	var already bool
	err := p.exec(ctx, func() error {
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO deliveries (message_id, user_id, state, marked_at)
			VALUES ($1,$2,'DELIVERED',$3)
			ON CONFLICT (message_id, user_id) DO UPDATE
			SET state = 'DELIVERED', marked_at = $3
			WHERE deliveries.state NOT IN ('DELIVERED','READ')`,
			messageID, userID, protocol.NowMillis())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		already = n == 0
		return nil
	})
	return already, err
}

func (p *Postgres) IsMessageDelivered(ctx context.Context, messageID, userID string) (bool, error) {
	var delivered bool
	err := p.exec(ctx, func() error {
		return p.db.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM deliveries
				WHERE message_id = $1 AND user_id = $2
				  AND state IN ('DELIVERED','READ'))`,
			messageID, userID).Scan(&delivered)
	})
	return delivered, err
}

func (p *Postgres) MarkMessageRead(ctx context.Context, messageID, userID string) (bool, error) {
	var already bool
	err := p.exec(ctx, func() error {
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO deliveries (message_id, user_id, state, marked_at)
			VALUES ($1,$2,'READ',$3)
			ON CONFLICT (message_id, user_id) DO UPDATE
			SET state = 'READ', marked_at = $3
			WHERE deliveries.state <> 'READ'`,
			messageID, userID, protocol.NowMillis())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		already = n == 0
		return nil
	})
	return already, err
}

func (p *Postgres) DeliveredRecipients(ctx context.Context, roomMessageID string) ([]string, error) {
	var users []string
	err := p.exec(ctx, func() error {
		rows, err := p.db.QueryContext(ctx, `
			SELECT m.recipient_id
			FROM messages m
			JOIN deliveries d ON d.message_id = m.message_id AND d.user_id = m.recipient_id
			WHERE m.room_message_id = $1 AND m.message_id <> $1
			  AND d.state IN ('DELIVERED','READ')
			ORDER BY m.recipient_id`, roomMessageID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				return err
			}
			users = append(users, uid)
		}
		return rows.Err()
	})
	return users, err
}

func (p *Postgres) UndeliveredMessages(ctx context.Context, userID, afterMessageID string, limit int) ([]MessageRecord, error) {
	var out []MessageRecord
	err := p.exec(ctx, func() error {
		rows, err := p.db.QueryContext(ctx, `
			SELECT m.message_id, m.sender_id, m.recipient_id, m.content, m.ts,
			       m.state, m.message_type, m.room_id, m.room_message_id,
			       m.chat_id, COALESCE(m.client_message_id, ''), m.deleted,
			       COALESCE(m.edited_at, 0)
			FROM messages m
			LEFT JOIN deliveries d
			       ON d.message_id = m.message_id AND d.user_id = $1
			WHERE m.recipient_id = $1
			  AND NOT m.deleted
			  AND ($2 = '' OR m.message_id > $2)
			  AND (d.state IS NULL OR d.state NOT IN ('DELIVERED','READ'))
			ORDER BY m.message_id ASC
			LIMIT $3`, userID, afterMessageID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec MessageRecord
			if err := rows.Scan(&rec.MessageID, &rec.SenderID, &rec.RecipientID,
				&rec.Content, &rec.Timestamp, &rec.State, &rec.MessageType,
				&rec.RoomID, &rec.RoomMessageID, &rec.ChatID,
				&rec.ClientMessageID, &rec.Deleted, &rec.EditedAt); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) SetReadCursor(ctx context.Context, cur ReadCursor) error {
	return p.exec(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO read_cursors (user_id, chat_id, last_read_message_id, last_read_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (user_id, chat_id) DO UPDATE
			SET last_read_message_id = EXCLUDED.last_read_message_id,
			    last_read_at = EXCLUDED.last_read_at
			WHERE read_cursors.last_read_message_id < EXCLUDED.last_read_message_id`,
			cur.UserID, cur.ChatID, cur.LastReadMessageID, cur.LastReadAt)
		return err
	})
}

func (p *Postgres) GetReadCursor(ctx context.Context, userID, chatID string) (*ReadCursor, error) {
	var cur ReadCursor
	err := p.exec(ctx, func() error {
		row := p.db.QueryRowContext(ctx, `
			SELECT user_id, chat_id, last_read_message_id, last_read_at
			FROM read_cursors WHERE user_id = $1 AND chat_id = $2`,
			userID, chatID)
		err := row.Scan(&cur.UserID, &cur.ChatID, &cur.LastReadMessageID, &cur.LastReadAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &cur, nil
}

func (p *Postgres) SaveRoomSnapshot(ctx context.Context, snap protocol.RoomSnapshot) error {
	return p.exec(ctx, func() error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO rooms (room_id, snapshot, version, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (room_id) DO UPDATE
			SET snapshot = EXCLUDED.snapshot,
			    version = EXCLUDED.version,
			    updated_at = EXCLUDED.updated_at
			WHERE rooms.version < EXCLUDED.version`,
			snap.RoomID, data, snap.Version, snap.UpdatedAt)
		return err
	})
}

func (p *Postgres) DeleteRoomSnapshot(ctx context.Context, roomID string) error {
	return p.exec(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = $1`, roomID)
		return err
	})
}

func (p *Postgres) LoadRoomSnapshots(ctx context.Context) ([]protocol.RoomSnapshot, error) {
	var out []protocol.RoomSnapshot
	err := p.exec(ctx, func() error {
		rows, err := p.db.QueryContext(ctx, `SELECT snapshot FROM rooms ORDER BY room_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&data); err != nil {
				return err
			}
			var snap protocol.RoomSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return err
			}
			out = append(out, snap)
		}
		return rows.Err()
	})
	return out, err
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.exec(ctx, func() error {
		return p.db.PingContext(ctx)
	})
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
