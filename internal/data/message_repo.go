package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/patchforge/patchforge/internal/domain/model"
)

// MessageRepo stores operator chat messages per job. Undelivered messages are
// picked up by the next run and drive the follow-up prompt variant.
type MessageRepo struct {
	DB *sql.DB
}

// NewMessageRepo creates a new MessageRepo.
func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{DB: db}
}

// AppendMessage records a message against a job.
func (r *MessageRepo) AppendMessage(ctx context.Context, key string, msg model.ChatMessage) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}
	_, err := r.DB.ExecContext(ctx, `
      INSERT INTO job_messages(job_key, body, created_at, delivered)
      VALUES ($1, $2, $3, $4)
    `, key, msg.Text, createdAt.UTC(), msg.Delivered)
	if err != nil {
		return fmt.Errorf("append job message: %w", err)
	}
	return nil
}

// Messages returns all messages for a job in creation order.
func (r *MessageRepo) Messages(ctx context.Context, key string) ([]model.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `
      SELECT body, created_at, delivered
      FROM job_messages
      WHERE job_key = $1
      ORDER BY id ASC
    `, key)
	if err != nil {
		return nil, fmt.Errorf("fetch job messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.Text, &m.CreatedAt, &m.Delivered); err != nil {
			return nil, fmt.Errorf("scan job message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkDelivered flags all pending messages for the job as consumed.
func (r *MessageRepo) MarkDelivered(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `
      UPDATE job_messages
      SET delivered = TRUE
      WHERE job_key = $1 AND delivered = FALSE
    `, key)
	if err != nil {
		return fmt.Errorf("mark job messages delivered: %w", err)
	}
	return nil
}
