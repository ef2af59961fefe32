package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"contestkit.org/internal/auth"
)

var userRowColumns = []string{"id", "phone", "role", "verified", "active", "created_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestFindUserByID(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select id, phone, role, verified, active, created_at from users where id = \\$1").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow(int64(42), "+15550142", "sponsor", true, true, created))

	u, err := s.FindUserByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("FindUserByID: %v", err)
	}
	if u.ID != 42 || u.Phone != "+15550142" || u.Role != auth.RoleSponsor || !u.Verified || !u.Active || !u.CreatedAt.Equal(created) {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("from users where phone = \\$1").
		WithArgs("+15550000").
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	if _, err := s.FindUserByPhone(context.Background(), "+15550000"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindUserPropagatesDriverErrors(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery("from users where id").WillReturnError(boom)
	if _, err := s.FindUserByID(context.Background(), 1); !errors.Is(err, boom) {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestCreateUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("insert into users").
		WithArgs("+15550150", "user", false).
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow(int64(7), "+15550150", "user", false, true, now))

	u, err := s.CreateUser(context.Background(), "+15550150", auth.RoleUser, false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID != 7 || !u.Active {
		t.Fatalf("unexpected user: %+v", u)
	}

	mock.ExpectQuery("insert into users").
		WithArgs("+15550150", "user", false).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.CreateUser(context.Background(), "+15550150", auth.RoleUser, false); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if _, err := s.CreateUser(context.Background(), "+15550151", auth.RoleRefresh, false); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSetUserActive(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("update users set active").WithArgs(int64(3), false).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users set active").WithArgs(int64(4), false).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.SetUserActive(context.Background(), 3, false); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if err := s.SetUserActive(context.Background(), 4, false); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
