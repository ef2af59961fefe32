package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"contestkit.org/internal/auth"
)

var _ auth.UserStore = (*Store)(nil)

const userColumns = `id, phone, role, verified, active, created_at`

func (s *Store) FindUserByID(ctx context.Context, id int64) (*auth.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (*auth.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where phone = $1`, phone)
	return scanUser(row)
}

// CreateUser inserts an active user. A duplicate phone yields auth.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, phone string, role auth.Role, verified bool) (*auth.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if !role.Valid() || role == auth.RoleRefresh {
		return nil, fmt.Errorf("%w: role %q", auth.ErrInvalidInput, role)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (phone, role, verified, active)
		values ($1, $2, $3, true)
		returning `+userColumns,
		phone, string(role), verified)
	u, err := scanUser(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, auth.ErrConflict
		}
		return nil, err
	}
	return u, nil
}

// SetUserActive enables or disables a user.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `update users set active = $2 where id = $1`, id, active)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u    auth.User
		role string
	)
	err := row.Scan(&u.ID, &u.Phone, &role, &u.Verified, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	return &u, nil
}
