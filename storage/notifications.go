package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskhub/domain"
)

const notificationColumns = `id, recipient_id, type, title, message, task_id, is_read, read_at, created_at`

func scanNotification(row scanner) (domain.Notification, error) {
	var (
		n              domain.Notification
		typ            string
		taskID, readAt sql.NullInt64
		read           int
		createdAt      int64
	)
	if err := row.Scan(&n.ID, &n.RecipientID, &typ, &n.Title, &n.Message, &taskID, &read, &readAt, &createdAt); err != nil {
		return domain.Notification{}, err
	}
	n.Type = domain.NotificationType(typ)
	n.TaskID = intPtr(taskID)
	n.IsRead = read != 0
	n.ReadAt = timePtr(readAt)
	n.CreatedAt = fromMillis(createdAt)
	return n, nil
}

// CreateNotification persists n and returns it with its id.
func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO notifications(recipient_id, type, title, message, task_id, is_read, created_at)
        VALUES(?, ?, ?, ?, ?, 0, ?)`,
		n.RecipientID, string(n.Type), n.Title, n.Message, nullInt(n.TaskID), toMillis(n.CreatedAt))
	if err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Notification{}, fmt.Errorf("notification id: %w", err)
	}
	return s.getNotification(ctx, id)
}

func (s *Store) getNotification(ctx context.Context, id int64) (domain.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, domain.NotFound("get notification", "notification", id)
	}
	if err != nil {
		return domain.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, recipientID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	args := []any{recipientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountUnread returns the number of unread notifications for the recipient.
func (s *Store) CountUnread(ctx context.Context, recipientID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0`, recipientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// MarkNotificationRead marks one notification read. Only its recipient may do so.
func (s *Store) MarkNotificationRead(ctx context.Context, id, recipientID int64, now time.Time) error {
	n, err := s.getNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.RecipientID != recipientID {
		return domain.Unauthorized("mark notification read", "notification belongs to another user")
	}
	if n.IsRead {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ?`, toMillis(now), id); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of the recipient
// read and returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipientID int64, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1, read_at = ? WHERE recipient_id = ? AND is_read = 0`,
		toMillis(now), recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
