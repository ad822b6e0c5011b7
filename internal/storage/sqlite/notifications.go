package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prateekverma145/NGO-management-sub000/internal/model"
	"github.com/prateekverma145/NGO-management-sub000/internal/storage"
)

const notificationColumns = `id, recipient_id, type, title, message, resource_id, dedupe_key, is_read, created_at`

func scanNotification(row rowScanner) (model.Notification, error) {
	var (
		n          model.Notification
		resourceID sql.NullString
		dedupeKey  sql.NullString
		isRead     int
		createdAt  int64
	)
	if err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message,
		&resourceID, &dedupeKey, &isRead, &createdAt); err != nil {
		return model.Notification{}, err
	}
	n.ResourceID = resourceID.String
	n.DedupeKey = dedupeKey.String
	n.IsRead = isRead != 0
	n.CreatedAt = fromNanos(createdAt)
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveNotification は通知を保存する。
// 同じ重複排除キーの通知が既に存在する場合は何もせず false を返す。
func (s *Storage) SaveNotification(ctx context.Context, n model.Notification) (bool, error) {
	const op = "storage.sqlite.SaveNotification"

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message,
		nullString(n.ResourceID), nullString(n.DedupeKey), toNanos(n.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected == 1, nil
}

// Notification はIDで通知を取得する。
func (s *Storage) Notification(ctx context.Context, id string) (model.Notification, error) {
	const op = "storage.sqlite.Notification"

	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Notification{}, fmt.Errorf("%s: %w", op, storage.ErrNotificationNotFound)
		}
		return model.Notification{}, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// NotificationsByRecipient は受信者の通知を新しい順に返す。
// unreadOnly が true の場合は未読のみを返す。
func (s *Storage) NotificationsByRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]model.Notification, error) {
	const op = "storage.sqlite.NotificationsByRecipient"

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	notifications := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return notifications, nil
}

// MarkNotificationRead は通知を既読にする。
func (s *Storage) MarkNotificationRead(ctx context.Context, id string) error {
	const op = "storage.sqlite.MarkNotificationRead"

	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	} else if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotificationNotFound)
	}
	return nil
}

// MarkAllNotificationsRead は受信者の未読通知をすべて既読にし、更新件数を返す。
func (s *Storage) MarkAllNotificationsRead(ctx context.Context, recipientID string) (int64, error) {
	const op = "storage.sqlite.MarkAllNotificationsRead"

	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}
