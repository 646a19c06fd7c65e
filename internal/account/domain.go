// Package account keeps the registry of holders who can sign in.
package account

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
)

var (
	ErrRateLimited        = errors.New("too many attempts, try again later")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

type Holder struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Role      auth.Role `json:"role" db:"role"`
	Status    Status    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type credential struct {
	Holder
	PasswordHash string `db:"password_hash"`
	Salt         string `db:"salt"`
}

const minPasswordLen = 8

type Registration struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *Registration) normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = normalizeEmail(r.Email)
}

func (r Registration) validate() error {
	const op = "account.Register"
	switch {
	case r.Name == "":
		return apperr.Validation(op, "name is required")
	case r.Email == "":
		return apperr.Validation(op, "email is required")
	case len(r.Password) < minPasswordLen:
		return apperr.Validation(op, "password must be at least %d characters", minPasswordLen)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return apperr.Validation(op, "invalid email %q", r.Email)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type HolderRegisteredEvent struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
	Role  auth.Role `json:"role"`
}
