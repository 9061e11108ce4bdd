package storage

import (
	"context"
	"database/sql"
	"fmt"

	"taskhub/domain"
)

const summaryQuery = `SELECT t.id, t.title, t.status, t.updated_at,
        COALESCE(a.username, ''), COALESCE(a.first_name, ''), COALESCE(a.last_name, ''),
        COALESCE(cat.name, ''),
        EXISTS (SELECT 1 FROM favorites f WHERE f.user_id = ? AND f.task_id = t.id),
        (SELECT COUNT(*) FROM comments c WHERE c.task_id = t.id),
        (SELECT COUNT(*) FROM comments c WHERE c.task_id = t.id AND c.author_id <> ?
            AND NOT EXISTS (SELECT 1 FROM comment_reads r WHERE r.comment_id = c.id AND r.user_id = ?)),
        lm.body, lm.created_at,
        COALESCE(la.username, ''), COALESCE(la.first_name, ''), COALESCE(la.last_name, '')
    FROM tasks t
    LEFT JOIN users a ON a.id = t.assignee_id
    LEFT JOIN categories cat ON cat.id = t.category_id
    LEFT JOIN comments lm ON lm.id = (
        SELECT id FROM comments WHERE task_id = t.id ORDER BY created_at DESC, id DESC LIMIT 1)
    LEFT JOIN users la ON la.id = lm.author_id
    WHERE t.creator_id = ? OR t.assignee_id = ?
        OR EXISTS (SELECT 1 FROM comments x WHERE x.task_id = t.id AND x.author_id = ?)`

// ChatSummaries returns one summary per task the user participates in,
// favorites first and then by most recent activity.
func (s *Store) ChatSummaries(ctx context.Context, userID int64) ([]domain.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, summaryQuery, userID, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("chat summaries: %w", err)
	}
	defer rows.Close()

	var out []domain.ChatSummary
	for rows.Next() {
		var (
			sum                  domain.ChatSummary
			status               string
			updatedAt            int64
			assignee, lastAuthor domain.User
			favorite             int
			lastBody             sql.NullString
			lastAt               sql.NullInt64
		)
		err := rows.Scan(&sum.TaskID, &sum.TaskTitle, &status, &updatedAt,
			&assignee.Username, &assignee.FirstName, &assignee.LastName,
			&sum.CategoryName, &favorite, &sum.TotalCount, &sum.UnreadCount,
			&lastBody, &lastAt,
			&lastAuthor.Username, &lastAuthor.FirstName, &lastAuthor.LastName)
		if err != nil {
			return nil, fmt.Errorf("scan chat summary: %w", err)
		}
		sum.Status = domain.TaskStatus(status)
		sum.AssigneeName = assignee.DisplayName()
		sum.IsFavorite = favorite != 0
		sum.LastActivity = fromMillis(updatedAt)
		if lastBody.Valid {
			sum.LastMessage = domain.Preview(lastBody.String)
			sum.LastAuthor = lastAuthor.DisplayName()
			if lastAt.Valid && fromMillis(lastAt.Int64).After(sum.LastActivity) {
				sum.LastActivity = fromMillis(lastAt.Int64)
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out = domain.DedupSummaries(out)
	domain.SortSummaries(out)
	return out, nil
}
