package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskhub/domain"
)

// CreateUser inserts u and returns it with its id.
func (s *Store) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	const op = "create user"
	if strings.TrimSpace(u.Username) == "" {
		return domain.User{}, domain.Validationf(op, "username must not be empty")
	}
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, first_name, last_name, role, is_active) VALUES(?, ?, ?, ?, ?)`,
		strings.TrimSpace(u.Username), u.FirstName, u.LastName, string(u.Role), boolInt(u.IsActive))
	if isUniqueViolation(err) {
		return domain.User{}, domain.Validationf(op, "username %q is taken", u.Username)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, fmt.Errorf("user id: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser fetches a single user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	var role string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_name, role, is_active FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &role, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.NotFound("get user", "user", id)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	u.Role = domain.Role(role)
	u.IsActive = active != 0
	return u, nil
}

// GetUserByName fetches a user by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (domain.User, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.NotFound("get user", "user", username)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by name: %w", err)
	}
	return s.GetUser(ctx, id)
}

// SetUserActive enables or disables an account.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return domain.NotFound("set user active", "user", id)
	}
	return nil
}

// CreateCategory inserts a category, returning the existing one when the
// name is already taken.
func (s *Store) CreateCategory(ctx context.Context, name string) (domain.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Category{}, domain.Validationf("create category", "category name must not be empty")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO categories(name) VALUES(?)`, name); err != nil {
		return domain.Category{}, fmt.Errorf("insert category: %w", err)
	}
	var c domain.Category
	if err := s.db.QueryRowContext(ctx, `SELECT id, name FROM categories WHERE name = ?`, name).Scan(&c.ID, &c.Name); err != nil {
		return domain.Category{}, fmt.Errorf("get category: %w", err)
	}
	return c, nil
}

// ListCategories returns all categories ordered by name.
func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
