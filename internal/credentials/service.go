// Package credentials owns user identities and password verification.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantcore.io/internal/ids"
	"tenantcore.io/internal/obs"
)

// Service registers users and checks their passwords.
type Service struct {
	store  Store
	hasher *Hasher
	policy Policy
	now    func() time.Time

	// dummyHash keeps Authenticate's timing uniform for unknown emails.
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHashParams overrides the argon2id cost parameters for new hashes.
func WithHashParams(p HashParams) ServiceOption {
	return func(s *Service) error {
		s.hasher = NewHasher(p)
		return nil
	}
}

// WithPolicy overrides the password policy.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) error {
		if p.MinLength <= 0 {
			return errors.New("credentials: policy min length must be positive")
		}
		s.policy = p
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("credentials: store is required")
	}
	svc := &Service{
		store:  store,
		hasher: NewHasher(DefaultHashParams),
		policy: DefaultPolicy,
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	dummy, err := svc.hasher.Hash("tenantcore-timing-equalizer")
	if err != nil {
		return nil, err
	}
	svc.dummyHash = dummy
	return svc, nil
}

// CreateUser registers a new identity. Concurrent calls for the same email
// produce exactly one user; the others fail with ErrEmailTaken.
func (s *Service) CreateUser(ctx context.Context, email, password string) (User, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return User{}, err
	}
	if err := s.policy.Check(password); err != nil {
		return User{}, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, err
	}
	now := s.now().UTC()
	u := User{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// VerifyPassword reports whether password matches the user's stored hash.
func (s *Service) VerifyPassword(u User, password string) bool {
	ok, err := s.hasher.Verify(u.PasswordHash, password)
	if err != nil {
		obs.Logger().WithError(err).WithField("user_id", u.ID).Error("password hash unreadable")
		return false
	}
	return ok
}

// Authenticate resolves email + password to a live user or
// ErrInvalidCredentials. Unknown and wrong-password cases are
// indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			_, _ = s.hasher.Verify(s.dummyHash, password)
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !u.Active() || !s.VerifyPassword(u, password) {
		return User{}, ErrInvalidCredentials
	}
	if s.hasher.NeedsRehash(u.PasswordHash) {
		s.rehash(ctx, u, password)
	}
	return u, nil
}

func (s *Service) rehash(ctx context.Context, u User, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.store.UpdatePasswordHash(ctx, u.ID, hash, s.now().UTC())
	}
	if err != nil {
		obs.Logger().WithError(err).WithField("user_id", u.ID).Warn("password rehash failed")
	}
}

// ChangePassword replaces the password after checking the current one. The
// caller is expected to revoke the user's sessions afterwards.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !s.VerifyPassword(u, current) {
		return ErrInvalidCredentials
	}
	if err := s.policy.Check(next); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return err
	}
	return s.store.UpdatePasswordHash(ctx, userID, hash, s.now().UTC())
}

// Get returns a live user.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !u.Active() {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// DeleteUser soft-deletes the user; the email becomes available again.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	return s.store.SoftDeleteUser(ctx, userID, s.now().UTC())
}

// FindByEmail returns the live user registered under email.
func (s *Service) FindByEmail(ctx context.Context, email string) (User, error) {
	return s.store.GetUserByEmail(ctx, NormalizeEmail(email))
}
