package main

import (
	"context"
	"database/sql"
	"time"
)

// notificationListLimit caps the feed; the unread count is not capped.
const notificationListLimit = 100

func insertNotificationTx(ctx context.Context, tx *sql.Tx, notification NewNotification) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (user_id, report_id, title, message)
		VALUES ($1, $2, $3, $4)
	`, notification.UserID, notification.ReportID, notification.Title, notification.Message)
	return err
}

func (s *sqlStore) ListNotifications(ctx context.Context, userID int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, report_id, title, message, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, notificationListLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		var reportID sql.NullInt64
		var createdAt time.Time
		if err := rows.Scan(&n.ID, &n.UserID, &reportID, &n.Title, &n.Message, &n.IsRead, &createdAt); err != nil {
			return nil, err
		}
		n.ReportID = nullIntPtr(reportID)
		n.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *sqlStore) CountUnreadNotifications(ctx context.Context, userID int) (int, error) {
	var unread int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read
	`, userID).Scan(&unread)
	return unread, err
}

// MarkNotificationRead reports false when the notification does not exist
// or belongs to someone else.
func (s *sqlStore) MarkNotificationRead(ctx context.Context, userID, notificationID int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
