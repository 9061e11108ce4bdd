package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskhub/domain"
)

const commentSelect = `SELECT c.id, c.task_id, c.author_id, u.username, u.first_name, u.last_name,
        c.body, c.type, c.parent_id, c.is_edited, c.created_at, c.updated_at,
        CASE WHEN c.author_id = ? OR EXISTS (
            SELECT 1 FROM comment_reads r WHERE r.comment_id = c.id AND r.user_id = ?) THEN 1 ELSE 0 END
    FROM comments c JOIN users u ON u.id = c.author_id`

func scanComment(row scanner) (domain.Comment, error) {
	var (
		c                    domain.Comment
		typ                  string
		parent               sql.NullInt64
		edited, read         int
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.TaskID, &c.AuthorID, &c.Author.Username, &c.Author.FirstName, &c.Author.LastName,
		&c.Body, &typ, &parent, &edited, &createdAt, &updatedAt, &read)
	if err != nil {
		return domain.Comment{}, err
	}
	c.Author.ID = c.AuthorID
	c.Type = domain.CommentType(typ)
	c.ParentCommentID = intPtr(parent)
	c.IsEdited = edited != 0
	c.IsRead = read != 0
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// CreateComment inserts c and returns it with its author resolved.
func (s *Store) CreateComment(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	if c.Type == "" {
		c.Type = domain.CommentText
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO comments(task_id, author_id, body, type, parent_id, is_edited, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, 0, ?, ?)`,
		c.TaskID, c.AuthorID, c.Body, string(c.Type), nullInt(c.ParentCommentID), toMillis(c.CreatedAt), toMillis(c.CreatedAt))
	if err != nil {
		return domain.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Comment{}, fmt.Errorf("comment id: %w", err)
	}
	return s.GetComment(ctx, id, c.AuthorID)
}

// GetComment fetches a comment; read state is computed for viewerID.
func (s *Store) GetComment(ctx context.Context, id, viewerID int64) (domain.Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, commentSelect+` WHERE c.id = ?`, viewerID, viewerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Comment{}, domain.NotFound("get comment", "comment", id)
	}
	if err != nil {
		return domain.Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// ListComments returns the task's transcript in creation order.
func (s *Store) ListComments(ctx context.Context, taskID, viewerID int64) ([]domain.Comment, error) {
	rows, err := s.db.QueryContext(ctx, commentSelect+` WHERE c.task_id = ? ORDER BY c.created_at ASC, c.id ASC`,
		viewerID, viewerID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateComment replaces the body and marks the comment edited.
func (s *Store) UpdateComment(ctx context.Context, id int64, body string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE comments SET body = ?, is_edited = 1, updated_at = ? WHERE id = ?`,
		body, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return domain.NotFound("update comment", "comment", id)
	}
	return nil
}

// DeleteCommentWithReplies removes a comment and its direct replies in a
// single transaction and returns the removed ids, root first. Deeper replies
// survive as top-level comments.
func (s *Store) DeleteCommentWithReplies(ctx context.Context, id int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	if exists == 0 {
		return nil, domain.NotFound("delete comment", "comment", id)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id FROM comments WHERE parent_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("collect replies: %w", err)
	}
	ids := []int64{id}
	for rows.Next() {
		var cid int64
		if err := rows.Scan(&cid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan reply id: %w", err)
		}
		ids = append(ids, cid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE parent_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete replies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete comment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete comment: %w", err)
	}
	return ids, nil
}

// MarkCommentsRead marks every comment in the task not written by userID as
// read by userID and returns how many changed.
func (s *Store) MarkCommentsRead(ctx context.Context, taskID, userID int64, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO comment_reads(comment_id, user_id, read_at)
        SELECT id, ?, ? FROM comments WHERE task_id = ? AND author_id <> ?`,
		userID, toMillis(now), taskID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark comments read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// IsParticipant reports whether the user created, is assigned to or commented on the task.
func (s *Store) IsParticipant(ctx context.Context, taskID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks t WHERE t.id = ? AND (
            t.creator_id = ? OR t.assignee_id = ? OR
            EXISTS (SELECT 1 FROM comments c WHERE c.task_id = t.id AND c.author_id = ?))`,
		taskID, userID, userID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is participant: %w", err)
	}
	return n > 0, nil
}
