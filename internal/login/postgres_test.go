package login

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPGCredentialsCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	hash, err := HashPassword("correctpw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "password_hash", "role", "status"}).
		AddRow("user-1", hash, "customer", "active")
	mock.ExpectQuery("select id, password_hash, role, status from users").
		WithArgs("+919876543210").WillReturnRows(rows)

	creds := NewPGCredentials(db)
	identity, err := creds.Check(context.Background(), "+919876543210", "correctpw")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if identity.UserID != "user-1" || identity.Role != "customer" || identity.Phone != "+919876543210" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGCredentialsWrongPassword(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	hash, err := HashPassword("correctpw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	rows := sqlmock.NewRows([]string{"id", "password_hash", "role", "status"}).
		AddRow("user-1", hash, "customer", "active")
	mock.ExpectQuery("select id, password_hash, role, status from users").
		WithArgs("+919876543210").WillReturnRows(rows)

	creds := NewPGCredentials(db)
	if _, err := creds.Check(context.Background(), "+919876543210", "wrongpw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPGCredentialsUnknownPhone(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select id, password_hash, role, status from users").
		WithArgs("+910000000000").WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash", "role", "status"}))

	creds := NewPGCredentials(db)
	if _, err := creds.Check(context.Background(), "+910000000000", "pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPGCredentialsInactiveUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	hash, err := HashPassword("correctpw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	rows := sqlmock.NewRows([]string{"id", "password_hash", "role", "status"}).
		AddRow("user-1", hash, "customer", "blocked")
	mock.ExpectQuery("select id, password_hash, role, status from users").
		WithArgs("+919876543210").WillReturnRows(rows)

	creds := NewPGCredentials(db)
	if _, err := creds.Check(context.Background(), "+919876543210", "correctpw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for inactive user, got %v", err)
	}
}
