package login

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"vypar.app/internal/token"
)

// PGCredentials checks credentials against the users table in PostgreSQL.
type PGCredentials struct {
	db *sql.DB
}

// NewPGCredentials wraps an open database handle.
func NewPGCredentials(db *sql.DB) *PGCredentials {
	return &PGCredentials{db: db}
}

func (p *PGCredentials) Check(ctx context.Context, phone, password string) (token.Identity, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || password == "" {
		return token.Identity{}, ErrInvalidCredentials
	}

	row := p.db.QueryRowContext(ctx,
		`select id, password_hash, role, status from users where phone=$1`, phone)

	var (
		id     string
		hash   string
		role   string
		status string
	)
	if err := row.Scan(&id, &hash, &role, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return token.Identity{}, ErrInvalidCredentials
		}
		return token.Identity{}, fmt.Errorf("login: query user: %w", err)
	}
	if status != "active" {
		return token.Identity{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return token.Identity{}, ErrInvalidCredentials
	}
	return token.Identity{UserID: id, Phone: phone, Role: role}, nil
}
