package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskhub/domain"
)

const taskColumns = `id, title, description, status, priority, creator_id, assignee_id, category_id,
    due_date, rating, created_at, updated_at, completed_at, version`

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                          domain.Task
		status, priority           string
		assignee, category, rating sql.NullInt64
		due, completed             sql.NullInt64
		createdAt, updatedAt       int64
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.CreatorID, &assignee, &category,
		&due, &rating, &createdAt, &updatedAt, &completed, &t.Version)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	t.AssigneeID = intPtr(assignee)
	t.CategoryID = intPtr(category)
	t.DueDate = timePtr(due)
	t.CompletedAt = timePtr(completed)
	if rating.Valid {
		r := int(rating.Int64)
		t.Rating = &r
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

func nullRating(r *int) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r), Valid: true}
}

// CreateTask inserts t and returns the stored task.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks(title, description, status, priority, creator_id, assignee_id,
            category_id, due_date, rating, created_at, updated_at, completed_at, version)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		t.Title, t.Description, string(t.Status), string(t.Priority), t.CreatorID, nullInt(t.AssigneeID),
		nullInt(t.CategoryID), nullMillis(t.DueDate), nullRating(t.Rating), toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
		nullMillis(t.CompletedAt))
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Task{}, fmt.Errorf("task id: %w", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFound("get task", "task", id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask writes t if the stored version still equals t.Version and bumps
// the version on success. A stale version yields ErrConcurrencyConflict.
// Changing the due date re-arms the deadline notifications.
func (s *Store) UpdateTask(ctx context.Context, t *domain.Task) error {
	due := nullMillis(t.DueDate)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
            title = ?, description = ?, status = ?, priority = ?, assignee_id = ?, category_id = ?,
            due_soon_notified = CASE WHEN due_date IS ? THEN due_soon_notified ELSE 0 END,
            overdue_notified = CASE WHEN due_date IS ? THEN overdue_notified ELSE 0 END,
            due_date = ?, rating = ?, updated_at = ?, completed_at = ?, version = version + 1
        WHERE id = ? AND version = ?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), nullInt(t.AssigneeID), nullInt(t.CategoryID),
		due, due, due, nullRating(t.Rating), toMillis(t.UpdatedAt), nullMillis(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return domain.Conflict("update task", fmt.Errorf("task %d changed since version %d", t.ID, t.Version))
	}
	t.Version++
	return nil
}

// ListTasksForUser returns tasks the user created or is assigned to, newest first.
func (s *Store) ListTasksForUser(ctx context.Context, userID int64) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
        WHERE creator_id = ? OR assignee_id = ? ORDER BY updated_at DESC, id DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDeadlineCandidates returns open tasks that have not yet been notified
// for kind. Due-soon candidates are due within window of now; overdue
// candidates are past due.
func (s *Store) ListDeadlineCandidates(ctx context.Context, kind domain.DeadlineKind, now time.Time, window time.Duration) ([]domain.Task, error) {
	var (
		query string
		args  []any
	)
	base := `SELECT ` + taskColumns + ` FROM tasks
        WHERE due_date IS NOT NULL AND status NOT IN ('Completed', 'Cancelled')`
	switch kind {
	case domain.DeadlineDueSoon:
		query = base + ` AND due_soon_notified = 0 AND due_date > ? AND due_date <= ?`
		args = []any{toMillis(now), toMillis(now.Add(window))}
	case domain.DeadlineOverdue:
		query = base + ` AND overdue_notified = 0 AND due_date <= ?`
		args = []any{toMillis(now)}
	default:
		return nil, fmt.Errorf("unknown deadline kind %q", kind)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY due_date ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list deadline candidates: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// MarkDeadlineNotified records that the kind notification for a task was sent.
// It reports false when another scanner already marked it.
func (s *Store) MarkDeadlineNotified(ctx context.Context, taskID int64, kind domain.DeadlineKind) (bool, error) {
	var column string
	switch kind {
	case domain.DeadlineDueSoon:
		column = "due_soon_notified"
	case domain.DeadlineOverdue:
		column = "overdue_notified"
	default:
		return false, fmt.Errorf("unknown deadline kind %q", kind)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+column+` = 1 WHERE id = ? AND `+column+` = 0`, taskID)
	if err != nil {
		return false, fmt.Errorf("mark deadline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetFavorite adds or removes the task from the user's favorites.
func (s *Store) SetFavorite(ctx context.Context, userID, taskID int64, favorite bool) error {
	var err error
	if favorite {
		_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO favorites(user_id, task_id) VALUES(?, ?)`, userID, taskID)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM favorites WHERE user_id = ? AND task_id = ?`, userID, taskID)
	}
	if err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	return nil
}

// IsFavorite reports whether the user marked the task as favorite.
func (s *Store) IsFavorite(ctx context.Context, userID, taskID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites WHERE user_id = ? AND task_id = ?`, userID, taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is favorite: %w", err)
	}
	return n > 0, nil
}
