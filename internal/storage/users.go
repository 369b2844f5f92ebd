package storage

import (
	"context"
	"database/sql"
	"errors"

	"newsbot/internal/directory"
)

// The store doubles as the user directory consumed by audience resolution.
var _ directory.Directory = (*Store)(nil)

func (s *Store) ListAllUsers(ctx context.Context) ([]directory.User, error) {
	return s.queryUsers(ctx,
		`SELECT u.id, u.telegram_id, COALESCE(u.email, ''), r.name
		 FROM users u JOIN roles r ON r.id = u.role_id
		 ORDER BY u.id`)
}

// ListUsersByRole matches the role name exactly (case-sensitive).
func (s *Store) ListUsersByRole(ctx context.Context, role string) ([]directory.User, error) {
	return s.queryUsers(ctx,
		`SELECT u.id, u.telegram_id, COALESCE(u.email, ''), r.name
		 FROM users u JOIN roles r ON r.id = u.role_id
		 WHERE r.name = ?
		 ORDER BY u.id`, role)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]directory.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []directory.User
	for rows.Next() {
		var u directory.User
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.Email, &u.Role); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, id int64) (*directory.User, error) {
	var u directory.User
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.telegram_id, COALESCE(u.email, ''), r.name
		 FROM users u JOIN roles r ON r.id = u.role_id
		 WHERE u.id = ?`, id,
	).Scan(&u.ID, &u.TelegramID, &u.Email, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser inserts or updates a user keyed by telegram id and returns the
// row id. Unknown role names are rejected by the roles lookup.
func (s *Store) UpsertUser(ctx context.Context, u directory.User) (int64, error) {
	var roleID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = ?`, u.Role).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.New("unknown role: " + u.Role)
	}
	if err != nil {
		return 0, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users(email, telegram_id, role_id) VALUES(?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET email = excluded.email, role_id = excluded.role_id`,
		nullStr(u.Email), u.TelegramID, roleID,
	)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE telegram_id = ?`, u.TelegramID).Scan(&id)
	return id, err
}
