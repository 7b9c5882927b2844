package credentials

import (
	"context"
	"strings"
	"time"

	"tenantcore.io/internal/apperr"
)

var (
	ErrEmailTaken         = apperr.New(apperr.KindConflict, "email_taken", "email is already registered")
	ErrWeakPassword       = apperr.New(apperr.KindValidation, "weak_password", "password does not meet the policy")
	ErrInvalidEmail       = apperr.New(apperr.KindValidation, "invalid_email", "email address is invalid")
	ErrInvalidCredentials = apperr.New(apperr.KindAuth, "invalid_credentials", "invalid email or password")
	ErrUserNotFound       = apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
)

// User is a registered identity. PasswordHash carries its own algorithm tag.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the user has not been soft-deleted.
func (u User) Active() bool {
	return u.DeletedAt == nil
}

// Store persists users. Implementations enforce one live user per normalized
// email and return ErrEmailTaken on violation.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string, at time.Time) error
	SoftDeleteUser(ctx context.Context, id string, at time.Time) error
}

// NormalizeEmail is the canonical form used for uniqueness and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
