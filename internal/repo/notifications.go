package repo

import (
	"context"
	"database/sql"

	"sharebook/internal/domain"
)

// InsertNotification appends an outbox record for the mail transport.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO notifications(recipient_id,email,intent,context_json,created_at) VALUES (?,?,?,?,?)`,
		n.RecipientID, n.Email, n.Intent, n.ContextJSON, TS(n.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListNotifications returns outbox records newest first, optionally for one recipient.
func (r Repo) ListNotifications(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	query := `SELECT id,recipient_id,email,intent,context_json,created_at FROM notifications`
	var args []any
	if recipientID != "" {
		query += ` WHERE recipient_id=?`
		args = append(args, recipientID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var created string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Email, &n.Intent, &n.ContextJSON, &created); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
